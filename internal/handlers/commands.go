package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/nameshigawa/bboxviewer/internal/dispatcher"
	"github.com/nameshigawa/bboxviewer/internal/util"
	"github.com/nameshigawa/bboxviewer/pkg/core"
)

// Host bridge commands.
const (
	CmdControllerSet = ":CONTROLLER:SET:"
	CmdControllerGet = ":CONTROLLER:GET:"
	CmdSourceLoad    = ":SOURCE:LOAD:"
	CmdSourceList    = ":SOURCE:LIST:"
	CmdShapeRegister = ":SHAPE:REGISTER:"
	CmdShapeRemove   = ":SHAPE:REMOVE:"
	CmdShapeList     = ":SHAPE:LIST:"
	CmdEval          = ":EVAL:"
	CmdEvalAll       = ":EVAL:ALL:"
	CmdFrameRateSet  = ":FRAMERATE:SET:"
	CmdTimeline      = ":TIMELINE:"
	CmdSourcePreload = ":SOURCE:PRELOAD:"
	CmdLog           = ":LOG:"
)

const (
	preloadQueueSize = 16
	logQueueSize     = 256
)

// cleanArgs undoes host quoting on every argument.
func cleanArgs(e dispatcher.Event) []string {
	args := make([]string, len(e.Args))
	for i, v := range e.Args {
		args[i] = util.CleanArg(v)
	}
	return args
}

func requireArgs(e dispatcher.Event, args []string, n int) error {
	if len(args) < n {
		return fmt.Errorf("%s expects %d argument(s), got %d", e.Command, n, len(args))
	}
	return nil
}

func parseTime(s string) (float64, error) {
	t, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("error converting time to float: %w", err)
	}
	return t, nil
}

// Register wires every host bridge command to svc. ctx bounds the source
// loads the commands trigger.
func Register(ctx context.Context, d *dispatcher.Dispatcher, svc *Service) {
	d.Register(CmdControllerSet, func(e dispatcher.Event) (any, error) {
		args := cleanArgs(e)
		if err := requireArgs(e, args, 2); err != nil {
			return nil, err
		}
		return nil, svc.SetController(ctx, args[0], args[1])
	}, dispatcher.Logged())

	d.Register(CmdControllerGet, func(e dispatcher.Event) (any, error) {
		return svc.ControllerState(), nil
	})

	d.Register(CmdSourceLoad, func(e dispatcher.Event) (any, error) {
		args := cleanArgs(e)
		if err := requireArgs(e, args, 1); err != nil {
			return nil, err
		}
		return svc.LoadSource(ctx, args[0])
	}, dispatcher.Logged())

	d.Register(CmdSourceList, func(e dispatcher.Event) (any, error) {
		return svc.ListSources(ctx)
	})

	d.Register(CmdShapeRegister, func(e dispatcher.Event) (any, error) {
		args := cleanArgs(e)
		if err := requireArgs(e, args, 1); err != nil {
			return nil, err
		}
		var rest *core.Vec2
		if len(args) > 1 && args[1] != "" {
			v, err := util.ParseVec2(args[1])
			if err != nil {
				return nil, fmt.Errorf("error converting rest position: %w", err)
			}
			rest = &v
		}
		return svc.RegisterShape(args[0], rest)
	}, dispatcher.Logged())

	d.Register(CmdShapeRemove, func(e dispatcher.Event) (any, error) {
		args := cleanArgs(e)
		if err := requireArgs(e, args, 1); err != nil {
			return nil, err
		}
		return nil, svc.RemoveShape(args[0])
	}, dispatcher.Logged())

	d.Register(CmdShapeList, func(e dispatcher.Event) (any, error) {
		return svc.Shapes(), nil
	})

	d.Register(CmdEval, func(e dispatcher.Event) (any, error) {
		args := cleanArgs(e)
		if err := requireArgs(e, args, 2); err != nil {
			return nil, err
		}
		t, err := parseTime(args[1])
		if err != nil {
			return nil, err
		}
		return svc.Evaluate(ctx, args[0], t)
	})

	d.Register(CmdEvalAll, func(e dispatcher.Event) (any, error) {
		args := cleanArgs(e)
		if err := requireArgs(e, args, 1); err != nil {
			return nil, err
		}
		t, err := parseTime(args[0])
		if err != nil {
			return nil, err
		}
		return svc.EvaluateAll(ctx, t), nil
	})

	d.Register(CmdFrameRateSet, func(e dispatcher.Event) (any, error) {
		args := cleanArgs(e)
		if err := requireArgs(e, args, 1); err != nil {
			return nil, err
		}
		fps, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return nil, fmt.Errorf("error converting frame rate to float: %w", err)
		}
		return nil, svc.SetFrameRate(fps)
	}, dispatcher.Logged())

	d.Register(CmdTimeline, func(e dispatcher.Event) (any, error) {
		return svc.Timeline(ctx), nil
	})

	// queued and blocking when full: a preload is never dropped
	d.Register(CmdSourcePreload, func(e dispatcher.Event) (any, error) {
		args := cleanArgs(e)
		if err := requireArgs(e, args, 1); err != nil {
			return nil, err
		}
		return nil, svc.PreloadSources(ctx, args...)
	}, dispatcher.Buffered(preloadQueueSize), dispatcher.Blocking(), dispatcher.Logged())

	// queued; messages are dropped while the queue is full
	d.Register(CmdLog, func(e dispatcher.Event) (any, error) {
		args := cleanArgs(e)
		if err := requireArgs(e, args, 2); err != nil {
			return nil, err
		}
		svc.HostLog(args[0], strings.Join(args[1:], " "))
		return nil, nil
	}, dispatcher.Buffered(logQueueSize))
}
