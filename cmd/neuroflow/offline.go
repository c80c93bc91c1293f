package main

import (
	"strings"

	"github.com/dshills/neuroflow-go/graph/model"
)

// offlineModel answers every generation purpose from keyword rules so the
// coach can be tried without a provider account. Selected with
// generation.provider: mock.
func offlineModel() *model.MockChatModel {
	return &model.MockChatModel{Handler: offlineReply}
}

func offlineReply(messages []model.Message, opts model.Options) (model.ChatOut, error) {
	var last string
	if n := len(messages); n > 0 {
		last = strings.ToLower(messages[n-1].Content)
	}

	var text string
	switch opts.Purpose {
	case "intent":
		text = `{"intent": "` + offlineIntent(last) + `", "confidence": 0.8}`
	case "plan":
		text = `{"task_type": "general", "cognitive_load": "medium", "estimated_minutes": 20,
			"first_step": "Open what you need and look at it for two minutes",
			"micro_steps": [
				{"step": "Open what you need and look at it for two minutes", "minutes": 2},
				{"step": "Do the smallest visible piece", "minutes": 10},
				{"step": "Write down where you stopped", "minutes": 3}]}`
	case "environment":
		text = `{"music_style": "lo-fi", "timer_minutes": 25, "break_activities": ["stretch", "get water"]}`
	case "pattern":
		if containsAny(last, "can't", "stuck", "avoid", "later") {
			text = `{"pattern": "avoidance", "confidence": 0.5,
				"intervention": {"strategy": "two_minute_start", "message": "Try just two minutes. You can stop after that."}}`
		} else {
			text = `{"pattern": "none", "confidence": 0.2}`
		}
	case "time":
		text = `{"tip": "Set a timer for the next ten minutes and stop when it rings."}`
	default:
		text = "Let's keep it small. Pick the first step, set a timer for ten minutes and start there."
	}
	return model.ChatOut{Text: text, Model: "offline"}, nil
}

func offlineIntent(input string) string {
	switch {
	case containsAny(input, "break", "rest", "tired"):
		return "take_break"
	case containsAny(input, "stuck", "can't", "avoid", "overwhelm"):
		return "stuck"
	case containsAny(input, "distract", "scroll", "youtube"):
		return "distracted"
	case containsAny(input, "need to", "have to", "start", "plan"):
		return "start_task"
	case containsAny(input, "done", "progress", "how am i"):
		return "check_in"
	}
	return "general_chat"
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
