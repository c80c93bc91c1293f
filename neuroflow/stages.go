package neuroflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/neuroflow-go/config"
	"github.com/dshills/neuroflow-go/graph"
	"github.com/dshills/neuroflow-go/graph/model"
	"github.com/dshills/neuroflow-go/journal"
	"github.com/dshills/neuroflow-go/recall"
)

// Memory is the similarity index as the stages use it.
type Memory interface {
	recall.Searcher
	Upsert(ctx context.Context, collection, id, text string, metadata map[string]string) error
}

// Deps are the collaborators shared by every stage. Generator is required;
// a nil Journal or Memory disables calibration and similarity lookups.
type Deps struct {
	Generator *model.Generator
	Journal   journal.Journal
	Memory    Memory
	// Scorer defaults to a HeuristicScorer over the quality config.
	Scorer Scorer
	Logger *zap.Logger
}

// stages holds the collaborators the stage methods close over. It keeps no
// per-session data.
type stages struct {
	cfg     *config.Config
	gen     *model.Generator
	journal journal.Journal
	memory  Memory
	scorer  Scorer
	logger  *zap.Logger
}

func newStages(cfg *config.Config, deps Deps) (*stages, error) {
	if deps.Generator == nil {
		return nil, errors.New("neuroflow: a generator is required")
	}
	s := &stages{
		cfg:     cfg,
		gen:     deps.Generator,
		journal: deps.Journal,
		memory:  deps.Memory,
		scorer:  deps.Scorer,
		logger:  deps.Logger,
	}
	if s.scorer == nil {
		s.scorer = NewHeuristicScorer(cfg.Quality)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.With(zap.String("component", "stages"))
	return s, nil
}

// fallback reports whether err is a malformed-output error a stage should
// recover from with its safe default. Anything else fails the stage.
func (s *stages) fallback(stage string, st State, err error) bool {
	if !errors.Is(err, model.ErrMalformedOutput) {
		return false
	}
	s.logger.Warn("malformed output, using default",
		zap.String("stage", stage),
		zap.String("session_id", st.SessionID),
		zap.Error(err))
	return true
}

func fail(stage string, err error) graph.NodeResult[Update] {
	return graph.NodeResult[Update]{Err: fmt.Errorf("%s: %w", stage, err)}
}

func done(u Update) graph.NodeResult[Update] {
	return graph.NodeResult[Update]{Delta: u}
}

// recordID derives a stable identifier from the session, the turn and a
// discriminator, so re-running a turn from the same state reproduces it.
func recordID(st State, kind string, n int) string {
	name := fmt.Sprintf("%s/%d/%s/%d", st.SessionID, st.InteractionCount, kind, n)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// history renders the last n messages as prompt messages.
func history(st State, n int) []model.Message {
	msgs := st.Messages
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleAssistant {
			out = append(out, model.Assistant(m.Content))
		} else {
			out = append(out, model.User(m.Content))
		}
	}
	return out
}

func bulletList(items []string) string {
	var b strings.Builder
	for _, it := range items {
		b.WriteString("- ")
		b.WriteString(it)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
