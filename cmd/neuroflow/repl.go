package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dshills/neuroflow-go/graph"
	"github.com/dshills/neuroflow-go/neuroflow"
)

// repl is one interactive session bound to a reader and writer.
type repl struct {
	app       *App
	scanner   *bufio.Scanner
	out       io.Writer
	sessionID string
}

// RunREPL reads messages from in until EOF or /quit. An empty sessionID
// starts a new session.
func (a *App) RunREPL(ctx context.Context, in io.Reader, out io.Writer, sessionID string) error {
	r := &repl{app: a, scanner: bufio.NewScanner(in), out: out, sessionID: sessionID}
	if r.sessionID == "" {
		r.sessionID = a.ctrl.NewSession()
	} else if _, err := a.ctrl.Session(ctx, r.sessionID); err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	fmt.Fprintf(out, "neuroflow %s, session %s\nType /help for commands.\n\n", Version, r.sessionID)

	if task, ok, err := a.ctrl.Pending(ctx, r.sessionID); err == nil && ok {
		r.showPlan(task)
	}

	for {
		fmt.Fprint(out, "you> ")
		shown := time.Now()
		input, ok := r.readLine()
		if !ok {
			return nil
		}
		typing := time.Since(shown)
		if input == "" {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		if strings.HasPrefix(input, "/") {
			if quit := r.handleCommand(ctx, input); quit {
				return nil
			}
			continue
		}

		reply, err := a.ctrl.Turn(ctx, r.sessionID, input, typing)
		r.show(reply, err)
	}
}

func (r *repl) readLine() (string, bool) {
	if !r.scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(r.scanner.Text()), true
}

func (r *repl) handleCommand(ctx context.Context, input string) bool {
	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)
	ctrl := r.app.ctrl

	switch cmd {
	case "/help":
		fmt.Fprintln(r.out, "Commands:")
		fmt.Fprintln(r.out, "  /approve             - Start the pending plan")
		fmt.Fprintln(r.out, "  /reject <feedback>   - Ask for a different plan")
		fmt.Fprintln(r.out, "  /edit                - Edit the pending plan's steps, then start it")
		fmt.Fprintln(r.out, "  /cancel              - Drop the pending plan")
		fmt.Fprintln(r.out, "  /plan                - Show the pending plan")
		fmt.Fprintln(r.out, "  /done [minutes]      - Mark the current task finished")
		fmt.Fprintln(r.out, "  /status              - Show energy, budget and task")
		fmt.Fprintln(r.out, "  /cost                - Show generation cost so far")
		fmt.Fprintln(r.out, "  /quit                - Leave")

	case "/approve":
		reply, err := ctrl.Resume(ctx, r.sessionID, neuroflow.Review{Decision: graph.Approve})
		r.show(reply, err)

	case "/reject":
		reply, err := ctrl.Resume(ctx, r.sessionID, neuroflow.Review{Decision: graph.Reject, Feedback: arg})
		r.show(reply, err)

	case "/edit":
		task, ok, err := ctrl.Pending(ctx, r.sessionID)
		if err != nil || !ok {
			r.show(neuroflow.Reply{}, errors.Join(err, neuroflow.ErrNoPendingApproval))
			return false
		}
		edited, ok := r.editSteps(*task)
		if !ok {
			return true
		}
		reply, err := ctrl.Resume(ctx, r.sessionID, neuroflow.Review{Decision: graph.Approve, Edited: &edited})
		r.show(reply, err)

	case "/cancel":
		reply, err := ctrl.Cancel(ctx, r.sessionID)
		if err == nil {
			reply.Response = "Plan dropped."
		}
		r.show(reply, err)

	case "/plan":
		task, ok, err := ctrl.Pending(ctx, r.sessionID)
		switch {
		case err != nil:
			fmt.Fprintf(r.out, "Error: %v\n", err)
		case !ok:
			fmt.Fprintln(r.out, "No plan is waiting for approval.")
		default:
			r.showPlan(task)
		}

	case "/done":
		minutes := 0
		if arg != "" {
			n, err := strconv.Atoi(arg)
			if err != nil {
				fmt.Fprintf(r.out, "Not a number of minutes: %s\n", arg)
				return false
			}
			minutes = n
		}
		st, err := ctrl.CompleteTask(ctx, r.sessionID, minutes)
		if err != nil {
			fmt.Fprintf(r.out, "Error: %v\n", err)
			return false
		}
		fmt.Fprintf(r.out, "Nice work on %q. Budget: %d (%s)\n\n", st.Task.Description, st.Economy.Balance, st.Economy.Forecast)

	case "/status":
		st, err := ctrl.Session(ctx, r.sessionID)
		if err != nil {
			fmt.Fprintf(r.out, "Error: %v\n", err)
			return false
		}
		fmt.Fprintf(r.out, "Energy: %d/10  Focus: %s  Crash risk: %.0f%%\n",
			st.Cognitive.Energy, st.Cognitive.FocusLevel, st.Cognitive.CrashRisk*100)
		fmt.Fprintf(r.out, "Budget: %d", st.Economy.Balance)
		if st.Economy.Forecast != "" {
			fmt.Fprintf(r.out, " (%s)", st.Economy.Forecast)
		}
		fmt.Fprintln(r.out)
		if st.Task.Active() {
			fmt.Fprintf(r.out, "Task: %s, %d min planned\n", st.Task.Description, st.Task.RealisticMinutes)
		}

	case "/cost":
		tracker := r.app.gen.Tracker()
		in, out := tracker.TokenUsage()
		fmt.Fprintf(r.out, "Total: $%.4f  Tokens: %d in, %d out\n", tracker.TotalCost(), in, out)
		byPurpose := tracker.CostByPurpose()
		purposes := make([]string, 0, len(byPurpose))
		for p := range byPurpose {
			purposes = append(purposes, p)
		}
		sort.Strings(purposes)
		for _, p := range purposes {
			fmt.Fprintf(r.out, "  %-12s $%.4f\n", p, byPurpose[p])
		}

	case "/quit", "/exit":
		return true

	default:
		fmt.Fprintf(r.out, "Unknown command: %s\n", cmd)
		fmt.Fprintln(r.out, "Type /help for available commands.")
	}
	return false
}

// editSteps prompts for each step; an empty line keeps it and "-" drops it.
func (r *repl) editSteps(task neuroflow.Task) (neuroflow.Task, bool) {
	fmt.Fprintln(r.out, "Edit each step. Enter keeps it, - drops it.")
	steps := make([]neuroflow.MicroStep, 0, len(task.MicroSteps))
	for i, s := range task.MicroSteps {
		fmt.Fprintf(r.out, "  %d. %s (%d min)\n  > ", i+1, s.Step, s.Minutes)
		line, ok := r.readLine()
		if !ok {
			return task, false
		}
		switch line {
		case "":
		case "-":
			continue
		default:
			s.Step = line
		}
		steps = append(steps, s)
	}
	if len(steps) == 0 {
		fmt.Fprintln(r.out, "Keeping the original steps; a plan needs at least one.")
		return task, true
	}
	task.MicroSteps = steps
	task.FirstStep = steps[0].Step
	return task, true
}

func (r *repl) show(reply neuroflow.Reply, err error) {
	if reply.ApprovalExpired {
		fmt.Fprintln(r.out, "(The plan waiting for approval expired and was dropped.)")
	}

	var busy *neuroflow.SessionBusyError
	switch {
	case errors.Is(err, neuroflow.ErrAwaitingApproval):
		fmt.Fprintln(r.out, "A plan is waiting for you. /approve, /reject <feedback>, /edit or /cancel.")
		if reply.Plan != nil {
			r.showPlan(reply.Plan)
		}
		return
	case errors.Is(err, neuroflow.ErrNoPendingApproval):
		fmt.Fprintln(r.out, "No plan is waiting for approval.")
		return
	case errors.Is(err, neuroflow.ErrApprovalExpired):
		return
	case errors.As(err, &busy):
		fmt.Fprintln(r.out, "Still working on your last message.")
		return
	case err != nil && reply.Response == "":
		fmt.Fprintf(r.out, "Error: %v\n", err)
		return
	}

	if reply.Status == graph.StatusPaused {
		fmt.Fprintf(r.out, "coach> %s\n", reply.Response)
		fmt.Fprintln(r.out, "Start this plan? /approve, /reject <feedback>, /edit or /cancel.")
		fmt.Fprintln(r.out)
		return
	}
	if reply.Response != "" {
		fmt.Fprintf(r.out, "coach> %s\n\n", reply.Response)
	}
}

func (r *repl) showPlan(task *neuroflow.Task) {
	fmt.Fprintln(r.out, neuroflow.FormatPlan(*task))
	fmt.Fprintln(r.out)
}
