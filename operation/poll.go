package operation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-asyncop"
	"github.com/goliatone/go-asyncop/runner"
	"github.com/goliatone/go-asyncop/transport"
)

// send posts the composed request, records the acknowledgement and arms
// the first poll.
func (o *Operation) send(ctx context.Context, payload asyncop.Payload) error {
	header, err := o.header(ctx)
	if err != nil {
		return err
	}
	o.rec.MessageGUID = header.MessageGUID

	res, err := o.transmit(ctx, asyncop.Request{
		Operation: o.desc.Name,
		Header:    header,
		Payload:   payload,
	})
	if err != nil {
		return err
	}
	if strings.TrimSpace(res.AckGUID) == "" {
		return asyncop.ProtocolFault("ack", "request was not acknowledged", "")
	}

	now := o.now()
	o.rec.AckGUID = strings.TrimSpace(res.AckGUID)
	o.rec.Acked = asyncop.TimePtr(now)
	o.rec.Retries = 0
	o.setStatus(asyncop.StatusExecuting)

	at := asyncop.TimePtr(now.Add(o.pollDelay(asyncop.StateQueued)))
	o.rec.Scheduled = at
	o.enqueue(o.rec.ID, asyncop.StepResult, at)
	return nil
}

// poll asks for the request state. It returns the result once processed
// and nil while the remote side is still working, in which case the next
// poll is armed.
func (o *Operation) poll(ctx context.Context) (*asyncop.Result, error) {
	header, err := o.header(ctx)
	if err != nil {
		return nil, err
	}
	res, err := o.transmit(ctx, asyncop.Request{
		Operation: asyncop.OperationGetState,
		Header:    header,
		AckGUID:   o.rec.AckGUID,
	})
	if err != nil {
		return nil, err
	}
	o.engine.observer.Polled(o.desc.Name, res.State)

	switch res.State {
	case asyncop.StateProcessed:
		return res, o.processed(res)
	case asyncop.StateQueued, asyncop.StateProcessing:
		o.rec.Retries++
		if limit := o.engine.config.MaxPollRetries; o.rec.Retries >= limit {
			return nil, asyncop.InternalFault(
				fmt.Sprintf("poll attempts exhausted after %d retries", o.rec.Retries), nil)
		}
		at := asyncop.TimePtr(o.now().Add(o.pollDelay(res.State)))
		o.rec.Scheduled = at
		o.log().Debug("request %s, next poll at %s", res.State, at.Format("15:04:05"))
		o.enqueue(o.rec.ID, asyncop.StepResult, at)
		return nil, nil
	default:
		return nil, asyncop.ProtocolFault("state", fmt.Sprintf("unknown request state %q", res.State), "")
	}
}

// processed stamps the state and splits rejections into per-object
// failures and request-wide faults.
func (o *Operation) processed(res *asyncop.Result) error {
	now := o.now()
	o.rec.Stated = asyncop.TimePtr(now)
	o.rec.Scheduled = nil
	o.rec.FailuresCount = 0

	var general []asyncop.ResultError
	for _, e := range res.Errors {
		if e.ObjectID == "" {
			general = append(general, e)
			continue
		}
		o.rec.FailuresCount++
		o.rec.AddLog(now, asyncop.LogError, fmt.Sprintf("object %s rejected: %s %s", e.ObjectID, e.Code, e.Message))
	}
	if len(general) > 0 {
		details := make([]string, 0, len(general))
		for _, e := range general {
			details = append(details, strings.TrimSpace(e.Code+" "+e.Message+" "+e.Detail))
		}
		return asyncop.ProtocolFault(general[0].Code, general[0].Message, strings.Join(details, "\n"))
	}
	o.setStatus(asyncop.StatusProcessing)
	return nil
}

// transmit sends through the transport, retrying transient faults with a
// fixed delay while the record's restart budget lasts. The last fault is
// returned unchanged.
func (o *Operation) transmit(ctx context.Context, req asyncop.Request) (*asyncop.Result, error) {
	cfg := o.engine.config
	budget := cfg.MaxRestartCount - o.rec.Restarts
	if budget < 0 {
		budget = 0
	}
	handler := runner.NewHandler(
		runner.WithMaxRetries(budget),
		runner.WithRetryStrategy(runner.FixedDelayStrategy{Delay: cfg.RestartDelay}),
		runner.WithRetryIf(asyncop.IsTransient),
		runner.WithSleep(o.engine.sleep),
		runner.WithOnRetry(func(_ int, err error) {
			o.rec.Restarts++
			o.engine.observer.Restarted(o.desc.Name)
			o.rec.AddLog(o.now(), asyncop.LogWarning,
				fmt.Sprintf("restart %d of %d: %s", o.rec.Restarts, cfg.MaxRestartCount, asyncop.FaultMessage(err)))
			o.log().Warn("transport restart %d: %v", o.rec.Restarts, err)
		}),
	)

	var res *asyncop.Result
	err := handler.Run(ctx, func(ctx context.Context) error {
		out, err := o.engine.transport.Send(ctx, req)
		if err != nil {
			return err
		}
		if out == nil {
			return asyncop.ProtocolFault("empty", "transport returned no result", "")
		}
		res = out
		return nil
	})
	return res, err
}

func (o *Operation) pollDelay(state asyncop.RequestState) time.Duration {
	cfg := o.engine.config
	if state == asyncop.StateProcessing {
		if o.desc.GetStateDelay > 0 {
			return o.desc.GetStateDelay
		}
		return cfg.ProcessingDelay
	}
	table := runner.TableStrategy{Table: cfg.PollSchedule, Fallback: cfg.PollFallbackDelay}
	return table.SleepDuration(o.rec.Retries, nil)
}

func (o *Operation) header(ctx context.Context) (asyncop.Header, error) {
	if o.desc.Anonymous {
		return transport.NewHeader("", o.desc.Version), nil
	}
	if o.rec.ProviderID == "" {
		return asyncop.Header{}, asyncop.AssertionFailed(fmt.Sprintf("%s requires a provider scope", o.desc.Name))
	}
	org, err := o.scope.providerGUID(ctx, o.rec.ProviderID)
	if err != nil {
		return asyncop.Header{}, err
	}
	return transport.NewHeader(org, o.desc.Version), nil
}
