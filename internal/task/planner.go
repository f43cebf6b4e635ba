package task

import (
	"strings"
	"unicode"
)

// Step 是命令拆分出的一个待执行动作。
type Step struct {
	Channel     Channel
	Instruction string
}

// channelKeywords 按渠道顺序列出触发词，命令中的单词以触发词开头即视为命中。
var channelKeywords = []struct {
	channel  Channel
	keywords []string
}{
	{ChannelCall, []string{"call", "phone", "dial", "ring"}},
	{ChannelSchedule, []string{"schedule", "meeting", "calendar", "appointment", "book", "demo"}},
	{ChannelEmail, []string{"email", "e-mail", "mail", "inbox"}},
}

// Plan 将命令拆分为每个命中渠道一个动作，没有命中任何渠道时返回一个 general 动作。
func Plan(command string) []Step {
	instruction := strings.TrimSpace(command)
	if instruction == "" {
		return nil
	}
	words := strings.FieldsFunc(strings.ToLower(instruction), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '-'
	})

	steps := make([]Step, 0, len(channelKeywords))
	for _, entry := range channelKeywords {
		if matchesAny(words, entry.keywords) {
			steps = append(steps, Step{Channel: entry.channel, Instruction: instruction})
		}
	}
	if len(steps) == 0 {
		steps = append(steps, Step{Channel: ChannelGeneral, Instruction: instruction})
	}
	return steps
}

func matchesAny(words, keywords []string) bool {
	for _, word := range words {
		for _, keyword := range keywords {
			if strings.HasPrefix(word, keyword) {
				return true
			}
		}
	}
	return false
}
