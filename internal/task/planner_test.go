package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlanDetectsChannels(t *testing.T) {
	cases := []struct {
		command string
		want    []Channel
	}{
		{"Call all leads from yesterday", []Channel{ChannelCall}},
		{"Schedule a demo and email the summary", []Channel{ChannelSchedule, ChannelEmail}},
		{"Phone Alice, book a meeting, then send an e-mail", []Channel{ChannelCall, ChannelSchedule, ChannelEmail}},
		{"How is the pipeline looking?", []Channel{ChannelGeneral}},
	}
	for _, tc := range cases {
		t.Run(tc.command, func(t *testing.T) {
			steps := Plan(tc.command)
			got := make([]Channel, 0, len(steps))
			for _, step := range steps {
				got = append(got, step.Channel)
				assert.Equal(t, tc.command, step.Instruction)
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPlanBlankCommand(t *testing.T) {
	assert.Empty(t, Plan("   "))
}
