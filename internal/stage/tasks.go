package stage

import (
	"regexp"
	"strings"

	"storyline/internal/domain"
)

var (
	taskLineRe = regexp.MustCompile(`^(?:\d+[\.\)]\s*|[-*]\s+)(.+)`)
	priorityRe = regexp.MustCompile(`\(priority:\s*(high|medium|low)\)`)
	tasksHdrRe = regexp.MustCompile(`(?i)^(?:#+\s*)?tasks:?\s*$`)
)

// ParseTasks extracts the task list from a plan document.
// Expected format:
//
//	## Tasks
//	1. Title - Description (priority: high)
//	2. Title - Description
//
// Bulleted lists (- or *) work too. Without a Tasks heading the first
// numbered or bulleted list found is used.
func ParseTasks(plan string) []domain.StoryTask {
	var tasks []domain.StoryTask

	inSection := false
	for _, line := range strings.Split(plan, "\n") {
		trimmed := strings.TrimSpace(line)

		if tasksHdrRe.MatchString(trimmed) {
			inSection = true
			continue
		}
		if inSection && trimmed == "" {
			continue
		}
		if inSection && !taskLineRe.MatchString(trimmed) {
			// A new heading ends the section; stray prose does not.
			if strings.HasPrefix(trimmed, "#") || strings.HasSuffix(trimmed, ":") {
				break
			}
			continue
		}
		if !inSection {
			if !taskLineRe.MatchString(trimmed) {
				continue
			}
			inSection = true
		}

		match := taskLineRe.FindStringSubmatch(trimmed)
		if match == nil {
			continue
		}
		content := match[1]

		priority := ""
		if m := priorityRe.FindStringSubmatch(content); m != nil {
			priority = m[1]
			content = strings.TrimSpace(priorityRe.ReplaceAllString(content, ""))
		}

		title := content
		description := ""
		if idx := strings.Index(content, " - "); idx > 0 {
			title = strings.TrimSpace(content[:idx])
			description = strings.TrimSpace(content[idx+3:])
		}
		title = strings.TrimSpace(strings.Trim(title, "[]**`"))
		if title == "" {
			continue
		}
		tasks = append(tasks, domain.StoryTask{
			Title:       title,
			Description: description,
			Priority:    priority,
		})
	}
	return tasks
}
