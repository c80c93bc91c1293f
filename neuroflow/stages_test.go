package neuroflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/neuroflow-go/config"
	"github.com/dshills/neuroflow-go/graph/model"
	"github.com/dshills/neuroflow-go/journal"
	"github.com/dshills/neuroflow-go/recall"
)

func TestNewStages_RequiresGenerator(t *testing.T) {
	_, err := newStages(config.Default(), Deps{})
	assert.Error(t, err)
}

func TestRouterStage(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		intent    Intent
		conf      float64
		priority  bool
		takeBreak bool
	}{
		{"stuck", intentStuck, IntentStuck, 0.9, true, false},
		{"start", intentStart, IntentStartTask, 0.95, false, false},
		{"break", intentTakeBreak, IntentCheckIn, 0.9, false, true},
		{"high urgency chat", `{"intent": "general_chat", "confidence": 0.5, "urgency": "high"}`, IntentGeneralChat, 0.5, true, false},
		{"malformed", "I think they are stuck", IntentGeneralChat, 0, false, false},
		{"outside the set", `{"intent": "dance", "confidence": 0.9}`, IntentGeneralChat, 0, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStages(t, &model.MockChatModel{ByPurpose: map[string][]model.ChatOut{"intent": script(tt.reply)}})
			st := NewState("s1", epoch, 50)
			st.UserInput = "help me"

			res := s.router(context.Background(), st)
			require.NoError(t, res.Err)
			u := res.Delta
			assert.Equal(t, tt.intent, *u.Intent)
			assert.Equal(t, tt.conf, *u.IntentConfidence)
			assert.Equal(t, tt.priority, *u.Priority)
			assert.Equal(t, tt.takeBreak, *u.BreakRequested)
			require.Len(t, u.Messages, 1)
			assert.Equal(t, RoleUser, u.Messages[0].Role)
			assert.Equal(t, "help me", u.Messages[0].Content)
		})
	}
}

func TestRouterStage_EmptyInputSkipsModel(t *testing.T) {
	mock := &model.MockChatModel{}
	s := newTestStages(t, mock)

	res := s.router(context.Background(), NewState("s1", epoch, 50))
	require.NoError(t, res.Err)
	assert.Equal(t, IntentGeneralChat, *res.Delta.Intent)
	assert.Zero(t, *res.Delta.IntentConfidence)
	assert.Zero(t, mock.CallCount())
}

func TestRouterStage_TransportFailure(t *testing.T) {
	s := newTestStages(t, &model.MockChatModel{Err: errors.New("connection reset")})
	st := NewState("s1", epoch, 50)
	st.UserInput = "hi"

	res := s.router(context.Background(), st)
	var genErr *model.GenerationError
	assert.ErrorAs(t, res.Err, &genErr)
}

func TestRouterStage_SessionContext(t *testing.T) {
	mock := &model.MockChatModel{ByPurpose: map[string][]model.ChatOut{"intent": script(intentCheckIn, intentChat)}}
	s := newTestStages(t, mock)

	st := NewState("s1", epoch, 50)
	st.UserInput = "done with that"
	st.Task = Task{ID: "t1", Description: "write report", StartedAt: epoch}
	st.Cognitive.Energy = 4
	st.Cognitive.CrashRisk = 0.65

	s.router(context.Background(), st)
	assert.Equal(t, 1, callsWith(mock, "intent", "Active task: write report"))
	assert.Equal(t, 1, callsWith(mock, "intent", "Energy: 4/10"))
	assert.Equal(t, 1, callsWith(mock, "intent", "Crash risk: 65%"))

	st.Task.Completed = true
	s.router(context.Background(), st)
	assert.Equal(t, 1, callsWith(mock, "intent", "Active task: none"))
}

func TestRouterStage_Mood(t *testing.T) {
	s := newTestStages(t, &model.MockChatModel{ByPurpose: map[string][]model.ChatOut{"intent": script(intentStuck)}})
	st := NewState("s1", epoch, 50)
	st.UserInput = "ugh"

	res := s.router(context.Background(), st)
	require.NotNil(t, res.Delta.Cognitive)
	assert.Equal(t, "frustrated", res.Delta.Cognitive.Mood)
	assert.Equal(t, 7, res.Delta.Cognitive.Energy, "the rest of the record is carried over")
}

func TestPlannerStage(t *testing.T) {
	index := recall.NewIndex(recall.NewHashEmbedder(64))
	s := newTestStages(t, &model.MockChatModel{ByPurpose: map[string][]model.ChatOut{"plan": script(smallPlan)}})
	s.memory = index

	st := NewState("s1", epoch, 50)
	st.InteractionCount = 1
	st.UserInput = "write the quarterly report intro"

	res := s.planner(context.Background(), st)
	require.NoError(t, res.Err)
	task := res.Delta.Task
	require.NotNil(t, task)

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, TaskWriting, task.Type)
	assert.Len(t, task.MicroSteps, 3)
	assert.Equal(t, 20, task.EstimatedMinutes)
	assert.Equal(t, 30, task.RealisticMinutes)
	assert.Equal(t, epoch, task.StartedAt)
	assert.True(t, *res.Delta.NeedsApproval, "the default policy reviews every plan")
	assert.Contains(t, *res.Delta.PlanOutput, "Start with: Open the draft")
	assert.Equal(t, 1, index.Count(recall.CollectionTasks))

	again := s.planner(context.Background(), st)
	assert.Equal(t, task.ID, again.Delta.Task.ID, "re-running a turn reproduces its identifiers")
}

func TestPlannerStage_MalformedFallsBack(t *testing.T) {
	s := newTestStages(t, &model.MockChatModel{ByPurpose: map[string][]model.ChatOut{"plan": script(`{"micro_steps": []}`)}})
	s.cfg.Approval.Policy = config.ApprovalComplex

	st := NewState("s1", epoch, 50)
	st.UserInput = "clean the kitchen"

	res := s.planner(context.Background(), st)
	require.NoError(t, res.Err)
	task := res.Delta.Task
	assert.Equal(t, TaskGeneral, task.Type)
	assert.Len(t, task.MicroSteps, 4)
	assert.Equal(t, 30, task.EstimatedMinutes)
	assert.Equal(t, 45, task.RealisticMinutes)
	assert.False(t, *res.Delta.NeedsApproval)
}

func TestPlannerStage_CalibratesFromOtherTaskTypes(t *testing.T) {
	ctx := context.Background()
	j := journal.NewMemJournal()
	require.NoError(t, j.SaveTask(ctx, journal.Task{TaskID: "old", TaskType: TaskWriting, EstimatedMinutes: 20, StartedAt: epoch}))
	require.NoError(t, j.CompleteTask(ctx, "old", 40, epoch.Add(40*time.Minute)))

	codingPlan := `{"task_type": "coding", "cognitive_load": "medium", "estimated_minutes": 20,
		"micro_steps": [{"step": "Open the failing test", "minutes": 5}, {"step": "Fix the assertion", "minutes": 15}]}`
	s := newTestStages(t, &model.MockChatModel{ByPurpose: map[string][]model.ChatOut{"plan": script(codingPlan)}})
	s.journal = j

	st := NewState("s1", epoch, 50)
	st.UserInput = "fix the flaky test"

	res := s.planner(ctx, st)
	require.NoError(t, res.Err)
	assert.Equal(t, TaskCoding, res.Delta.Task.Type)
	assert.Equal(t, 40, res.Delta.Task.RealisticMinutes, "no coding history, so the overall ratio applies")
}

func TestPlannerStage_RejectionFeedback(t *testing.T) {
	mock := &model.MockChatModel{ByPurpose: map[string][]model.ChatOut{"plan": script(smallPlan)}}
	s := newTestStages(t, mock)

	st := NewState("s1", epoch, 50)
	st.UserInput = "write"
	st.Feedback = "fewer steps please"

	s.planner(context.Background(), st)
	assert.Equal(t, 1, callsWith(mock, "plan", "fewer steps please"))
}

func TestEnvironmentStage(t *testing.T) {
	t.Run("model choice with preference override", func(t *testing.T) {
		s := newTestStages(t, &model.MockChatModel{ByPurpose: map[string][]model.ChatOut{"environment": script(environmentJSON)}})
		st := NewState("s1", epoch, 50)
		st.Task = Task{ID: "t1", Type: TaskCoding, Description: "fix bug"}
		st.Preferences.MusicStyle = "jazz"

		res := s.environmentBuilder(context.Background(), st)
		require.NoError(t, res.Err)
		assert.Equal(t, "jazz", res.Delta.Environment.MusicStyle)
		assert.Equal(t, 25, res.Delta.Environment.TimerMinutes)
		assert.Equal(t, []string{"stretch", "water"}, res.Delta.Environment.BreakActivities)
	})

	t.Run("malformed uses task type defaults", func(t *testing.T) {
		s := newTestStages(t, &model.MockChatModel{ByPurpose: map[string][]model.ChatOut{"environment": script("nope")}})
		st := NewState("s1", epoch, 50)
		st.Task = Task{ID: "t1", Type: TaskRevision}

		res := s.environmentBuilder(context.Background(), st)
		require.NoError(t, res.Err)
		assert.Equal(t, DefaultEnvironment(TaskRevision), *res.Delta.Environment)
		assert.Contains(t, *res.Delta.EnvironmentOutput, "15 minute timer")
	})
}

func TestDefaultEnvironment(t *testing.T) {
	assert.Equal(t, "kpop", DefaultEnvironment(TaskCoding).MusicStyle)
	assert.Equal(t, 45, DefaultEnvironment(TaskWriting).TimerMinutes)
	assert.Equal(t, 15, DefaultEnvironment(TaskRevision).TimerMinutes)
	assert.Equal(t, 25, DefaultEnvironment("").TimerMinutes)
}

func TestInterruptDetectorStage(t *testing.T) {
	index := recall.NewIndex(recall.NewHashEmbedder(64))
	mock := &model.MockChatModel{ByPurpose: map[string][]model.ChatOut{
		"pattern": script(pattern("productive_procrastination", 0.8)),
	}}
	s := newTestStages(t, mock)
	s.memory = index

	st := NewState("s1", epoch, 50)
	st.UserInput = "I can't start, so I reorganised my desk"
	st = Reduce(st, Update{Messages: []Message{{Role: RoleUser, Content: st.UserInput}}})

	res := s.interruptDetector(context.Background(), st)
	require.NoError(t, res.Err)
	p := res.Delta.Pattern
	assert.Equal(t, PatternProductive, p.Label)
	assert.Equal(t, 0.8, p.Confidence)
	assert.Equal(t, epoch, p.DetectedAt)
	assert.Len(t, p.Sentiment, 1)
	assert.Equal(t, []string{"Open it and do two minutes."}, p.Interventions)
	assert.Equal(t, "Open it and do two minutes.", *res.Delta.InterruptOutput)
	assert.Equal(t, 1, index.Count(recall.CollectionInterventions))

	t.Run("escalated pass", func(t *testing.T) {
		esc := Reduce(st, Update{Pattern: p})
		esc = Reduce(esc, s.escalator(context.Background(), esc).Delta)
		assert.Equal(t, 1, esc.EscalationLevel)
		assert.Equal(t, "[ESCALATING to Level 1. Previous: productive. Use MORE DIRECT intervention strategy.]", esc.EscalationNote)

		res := s.interruptDetector(context.Background(), esc)
		require.NoError(t, res.Err)
		assert.Len(t, res.Delta.Pattern.Sentiment, 1, "sentiment is sampled once per turn")
		assert.Equal(t, 1, callsWith(mock, "pattern", "ESCALATING to Level 1"))
		assert.Equal(t, 1, callsWith(mock, "pattern", "similar situations"), "the first pass stored an intervention to recall")
	})
}

func TestInterruptDetectorStage_LowConfidenceHidesMessage(t *testing.T) {
	s := newTestStages(t, &model.MockChatModel{ByPurpose: map[string][]model.ChatOut{"pattern": script(pattern(PatternDistraction, 0.2))}})
	st := NewState("s1", epoch, 50)
	st = Reduce(st, Update{Messages: []Message{{Role: RoleUser, Content: "hmm"}}})

	res := s.interruptDetector(context.Background(), st)
	require.NoError(t, res.Err)
	assert.Empty(t, *res.Delta.InterruptOutput)
	assert.Empty(t, res.Delta.Pattern.Interventions)
}

func TestInterruptDetectorStage_NoHistory(t *testing.T) {
	mock := &model.MockChatModel{}
	s := newTestStages(t, mock)

	res := s.interruptDetector(context.Background(), NewState("s1", epoch, 50))
	require.NoError(t, res.Err)
	assert.Equal(t, PatternNone, res.Delta.Pattern.Label)
	assert.Zero(t, mock.CallCount())
}

func TestSentiment(t *testing.T) {
	assert.Greater(t, Sentiment("I finished the outline and I'm ready to draft the first section now"), 0.0)
	assert.Less(t, Sentiment("I can't, I'm stuck"), 0.0)
	assert.GreaterOrEqual(t, Sentiment("can't stuck give up impossible hate don't know"), -1.0)
}

func TestSynthesizerStage(t *testing.T) {
	mock := &model.MockChatModel{ByPurpose: map[string][]model.ChatOut{"synthesis": script("  " + goodReply + "\n")}}
	s := newTestStages(t, mock)

	st := NewState("s1", epoch, 50)
	st.PlanOutput = "Plan for \"write\""
	st.Feedback = "Problems: response is too short."

	res := s.synthesizer(context.Background(), st)
	require.NoError(t, res.Err)
	assert.Equal(t, goodReply, *res.Delta.Response)
	assert.Equal(t, 1, *res.Delta.SynthesisAttempts)
	assert.Equal(t, 1, callsWith(mock, "synthesis", "Plan: Plan for"))
	assert.Equal(t, 1, callsWith(mock, "synthesis", "previous draft was rejected"))
}

func TestSynthesizerStage_TransportFailure(t *testing.T) {
	s := newTestStages(t, &model.MockChatModel{ErrByPurpose: map[string]error{"synthesis": errors.New("timeout")}})

	st := NewState("s1", epoch, 50)
	res := s.synthesizer(context.Background(), st)
	require.NoError(t, res.Err, "with a retry left the draft is left empty")
	assert.Empty(t, *res.Delta.Response)

	st.RetryCount = 1
	res = s.synthesizer(context.Background(), st)
	assert.Error(t, res.Err, "at the retry ceiling the stage fails")
}

func TestQualityGateStage(t *testing.T) {
	s := newTestStages(t, nil)

	t.Run("pass commits the reply", func(t *testing.T) {
		st := NewState("s1", epoch, 50)
		st.Response = noActionMsg

		res := s.qualityGate(context.Background(), st)
		assert.Equal(t, 1.0, *res.Delta.QualityScore)
		require.Len(t, res.Delta.Messages, 1)
		assert.Equal(t, RoleAssistant, res.Delta.Messages[0].Role)
		assert.Equal(t, noActionMsg, res.Delta.Messages[0].Content)
	})

	t.Run("retry commits nothing", func(t *testing.T) {
		st := NewState("s1", epoch, 50)
		st.Response = "ok"

		res := s.qualityGate(context.Background(), st)
		assert.Equal(t, 0.4, *res.Delta.QualityScore)
		assert.Empty(t, res.Delta.Messages)
	})

	t.Run("empty at the ceiling falls back", func(t *testing.T) {
		st := NewState("s1", epoch, 50)
		st.RetryCount = 1
		st.AnalysisOutput = "Focus medium."

		res := s.qualityGate(context.Background(), st)
		require.NotNil(t, res.Delta.Response)
		assert.Equal(t, "Focus medium.", *res.Delta.Response)
		require.Len(t, res.Delta.Messages, 1)
		assert.Equal(t, "Focus medium.", res.Delta.Messages[0].Content)
	})
}

func TestRetryStage(t *testing.T) {
	s := newTestStages(t, nil)
	st := NewState("s1", epoch, 50)
	st.QualityIssues = []string{"response is too short"}

	res := s.retry(context.Background(), st)
	assert.Equal(t, 1, *res.Delta.RetryCount)
	assert.Contains(t, *res.Delta.Feedback, "response is too short")
}

func TestFallbackResponse(t *testing.T) {
	st := NewState("s1", epoch, 50)
	assert.Contains(t, FallbackResponse(st), "I'm here")

	st.RewardOutput = "Motivation 60/100."
	st.InterruptOutput = "Try two minutes."
	assert.Equal(t, "Try two minutes.", FallbackResponse(st))
}
