package main

import (
	"sort"
	"strings"

	"github.com/c-bata/go-prompt"
)

// complete suggests command names first, then profile names or entries of
// the last listing depending on the command.
func (s *shell) complete(d prompt.Document) []prompt.Suggest {
	text := d.TextBeforeCursor()
	words := strings.Fields(text)

	if len(words) == 0 || (len(words) == 1 && !strings.HasSuffix(text, " ")) {
		return prompt.FilterHasPrefix(s.commandSuggestions(), d.GetWordBeforeCursor(), true)
	}

	var suggestions []prompt.Suggest
	switch strings.ToLower(words[0]) {
	case "connect":
		for name, p := range s.profiles {
			suggestions = append(suggestions, prompt.Suggest{Text: name, Description: p.User + "@" + p.Host})
		}
	case "use":
		for _, session := range s.manager.Sessions() {
			suggestions = append(suggestions, prompt.Suggest{Text: session.Identity().String()})
		}
	case "ls", "cd", "stat", "cat", "edit", "rm", "rmdir", "mv", "get":
		for _, name := range s.names {
			desc := "file"
			if strings.HasSuffix(name, "/") {
				desc = "directory"
			}
			suggestions = append(suggestions, prompt.Suggest{Text: name, Description: desc})
		}
	}
	sort.Slice(suggestions, func(i, j int) bool { return suggestions[i].Text < suggestions[j].Text })
	return prompt.FilterHasPrefix(suggestions, d.GetWordBeforeCursor(), true)
}

func (s *shell) commandSuggestions() []prompt.Suggest {
	out := make([]prompt.Suggest, 0, len(s.commands))
	for name, cmd := range s.commands {
		out = append(out, prompt.Suggest{Text: name, Description: cmd.desc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Text < out[j].Text })
	return out
}
