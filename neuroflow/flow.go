package neuroflow

import (
	"github.com/dshills/neuroflow-go/config"
	"github.com/dshills/neuroflow-go/graph"
	"github.com/dshills/neuroflow-go/graph/emit"
	"github.com/dshills/neuroflow-go/graph/store"
)

// Flow is the compiled conversation workflow.
type Flow = graph.Runnable[State, Update]

func escalationCounter(s State) int { return s.EscalationLevel }
func retryCounter(s State) int      { return s.RetryCount }

// Build assembles and compiles the workflow:
//
//	router
//	  start_task          -> planner -> [pause] approval_gate -> {environment_builder, analyzer} -> reward
//	  stuck_or_distracted -> interrupt_detector
//	                           escalate       -> escalator -> interrupt_detector
//	                           full_analysis  -> analyzer -> reward
//	                           quick_response -> synthesizer
//	  check_in            -> time_reality -> reward
//	  general_chat        -> analyzer -> reward
//	reward -> synthesizer -> quality_gate
//	                           retry -> retry -> synthesizer
//	                           pass  -> END
//
// The approval pause fires only when the planner marked the plan as needing
// approval; rejecting it re-enters the planner. st must be non-nil for the
// pause to work. opts are applied after the engine options derived from cfg.
func Build(cfg *config.Config, deps Deps, st store.Store[State], emitter emit.Emitter, opts ...graph.Option) (*Flow, error) {
	s, err := newStages(cfg, deps)
	if err != nil {
		return nil, err
	}

	engineOpts := []graph.Option{graph.WithMaxSteps(cfg.Engine.MaxSteps)}
	if cfg.Engine.CheckpointVersion != "" {
		engineOpts = append(engineOpts, graph.WithCheckpointVersion(cfg.Engine.CheckpointVersion))
	}
	if cfg.Engine.StageTimeout > 0 {
		engineOpts = append(engineOpts, graph.WithDefaultNodeTimeout(cfg.Engine.StageTimeout))
	}
	engine := graph.New[State, Update](Reduce, st, emitter, append(engineOpts, opts...)...)

	for _, stage := range []struct {
		name string
		fn   graph.NodeFunc[State, Update]
	}{
		{StageRouter, s.router},
		{StagePlanner, s.planner},
		{StageApprovalGate, s.approvalGate},
		{StageEnvironmentBuilder, s.environmentBuilder},
		{StageAnalyzer, s.analyzer},
		{StageInterruptDetector, s.interruptDetector},
		{StageEscalator, s.escalator},
		{StageTimeReality, s.timeReality},
		{StageReward, s.reward},
		{StageSynthesizer, s.synthesizer},
		{StageQualityGate, s.qualityGate},
		{StageRetry, s.retry},
	} {
		if err := engine.Add(stage.name, stage.fn); err != nil {
			return nil, err
		}
	}

	wiring := []func() error{
		func() error {
			return engine.ConnectConditional(StageRouter, RouteIntent, map[string]string{
				LabelStartTask:         StagePlanner,
				LabelStuckOrDistracted: StageInterruptDetector,
				LabelCheckIn:           StageTimeReality,
				LabelGeneralChat:       StageAnalyzer,
			})
		},
		func() error { return engine.Connect(StagePlanner, StageApprovalGate) },
		func() error {
			return engine.ConnectParallel(StageApprovalGate, []string{StageEnvironmentBuilder, StageAnalyzer}, StageReward)
		},
		func() error {
			return engine.ConnectConditional(StageInterruptDetector, RouteSeverity(cfg.Routing), map[string]string{
				LabelEscalate:      StageEscalator,
				LabelFullAnalysis:  StageAnalyzer,
				LabelQuickResponse: StageSynthesizer,
			}, graph.Guard[State]{Label: LabelEscalate, Counter: escalationCounter, Ceiling: cfg.Routing.EscalationCeiling})
		},
		func() error { return engine.Connect(StageEscalator, StageInterruptDetector) },
		func() error { return engine.Connect(StageTimeReality, StageReward) },
		func() error { return engine.Connect(StageAnalyzer, StageReward) },
		func() error { return engine.Connect(StageEnvironmentBuilder, StageReward) },
		func() error { return engine.Connect(StageReward, StageSynthesizer) },
		func() error { return engine.Connect(StageSynthesizer, StageQualityGate) },
		func() error {
			return engine.ConnectConditional(StageQualityGate, RouteQuality(cfg.Quality), map[string]string{
				LabelRetry: StageRetry,
				LabelPass:  graph.END,
			}, graph.Guard[State]{Label: LabelRetry, Counter: retryCounter, Ceiling: cfg.Quality.RetryCeiling})
		},
		func() error { return engine.Connect(StageRetry, StageSynthesizer) },
	}
	for _, connect := range wiring {
		if err := connect(); err != nil {
			return nil, err
		}
	}

	return engine.Compile(StageRouter, graph.END, graph.WithInterrupt(graph.Interrupt[State, Update]{
		Before:   StageApprovalGate,
		OnReject: StagePlanner,
		When:     func(s State) bool { return s.NeedsApproval },
		OnPause: func(State) Update {
			return Update{AwaitingApproval: ptr(true), Approval: ptr(ApprovalPending)}
		},
	}))
}
