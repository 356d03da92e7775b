package tuyalan

import (
	"context"

	"github.com/mitchellh/mapstructure"

	"github.com/tuyalan/tuyalan-go/internal/catalog"
	"github.com/tuyalan/tuyalan-go/internal/session"
)

// StatusResult is a status/dpQuery reply decoded into typed fields
// alongside the raw data points, mirroring discovery.Announcement's use
// of mapstructure to pull named fields out of a generic JSON object.
type StatusResult struct {
	Dps map[string]any `mapstructure:"dps"`
}

// resultFrom normalizes a session.Result (or a hard session error) into
// the public OperationResult shape of spec.md §7.
func resultFrom(r session.Result, err error) OperationResult {
	if err != nil {
		return OperationResult{Success: false, Error: err.Error()}
	}
	if !r.Success {
		msg := r.Error
		if msg == "" {
			msg = parseErrorCode(r.Retcode)
		}
		return OperationResult{Success: false, Error: msg, Dps: r.Data}
	}
	return OperationResult{Success: true, Dps: r.Data}
}

// Status queries every data point on the device (dpQuery), per spec.md
// §6. nowait returns immediately after the write without reading a
// reply.
func (d *Device) Status(ctx context.Context, nowait bool) OperationResult {
	ctx, cancel := d.ctxWithTimeout(ctx)
	defer cancel()
	r, err := d.engine.Do(ctx, catalog.CmdDpQuery, nil, nil, d.cfg.ClusterID, nowait)
	return resultFrom(r, err)
}

// decodeStatus pulls a typed StatusResult out of an OperationResult's
// raw data, for callers that want the mapstructure-decoded shape rather
// than the bare map.
func decodeStatus(data map[string]any) (StatusResult, error) {
	var out StatusResult
	if data == nil {
		return out, nil
	}
	err := mapstructure.Decode(data, &out)
	return out, err
}

// TypedStatus is Status, additionally decoded into a StatusResult.
func (d *Device) TypedStatus(ctx context.Context) (StatusResult, OperationResult) {
	res := d.Status(ctx, false)
	typed, err := decodeStatus(res.Dps)
	if err != nil && res.Success {
		res.Success = false
		res.Error = err.Error()
	}
	return typed, res
}

// SetStatus flips a single boolean switch data point, per spec.md §6
// "setStatus". switchNum selects which dp index to set ("1" when the
// device exposes only one).
func (d *Device) SetStatus(ctx context.Context, on bool, switchNum string, nowait bool) OperationResult {
	return d.SetValue(ctx, switchNum, on, nowait)
}

// TurnOn is SetStatus(ctx, true, switchNum, nowait).
func (d *Device) TurnOn(ctx context.Context, switchNum string, nowait bool) OperationResult {
	return d.SetStatus(ctx, true, switchNum, nowait)
}

// TurnOff is SetStatus(ctx, false, switchNum, nowait).
func (d *Device) TurnOff(ctx context.Context, switchNum string, nowait bool) OperationResult {
	return d.SetStatus(ctx, false, switchNum, nowait)
}

// SetValue sets a single data point by index, per spec.md §6
// "setValue".
func (d *Device) SetValue(ctx context.Context, index string, value any, nowait bool) OperationResult {
	return d.SetMultipleValues(ctx, map[string]any{index: value}, nowait)
}

// SetMultipleValues sets several data points in one control request, per
// spec.md §6 "setMultipleValues".
func (d *Device) SetMultipleValues(ctx context.Context, values map[string]any, nowait bool) OperationResult {
	ctx, cancel := d.ctxWithTimeout(ctx)
	defer cancel()
	r, err := d.engine.Do(ctx, catalog.CmdControl, values, nil, d.cfg.ClusterID, nowait)
	return resultFrom(r, err)
}

// Heartbeat sends the protocol keepalive, per spec.md §6 "heartbeat".
func (d *Device) Heartbeat(ctx context.Context, nowait bool) OperationResult {
	ctx, cancel := d.ctxWithTimeout(ctx)
	defer cancel()
	r, err := d.engine.Do(ctx, catalog.CmdHeartbeat, nil, nil, nil, nowait)
	return resultFrom(r, err)
}

// UpdateDps asks the device to refresh and report the given dp indices,
// per spec.md §6 "updateDps". An empty indices list asks for every dp.
func (d *Device) UpdateDps(ctx context.Context, indices []int, nowait bool) OperationResult {
	ctx, cancel := d.ctxWithTimeout(ctx)
	defer cancel()
	r, err := d.engine.Do(ctx, catalog.CmdUpdateDps, nil, indices, nil, nowait)
	return resultFrom(r, err)
}

// CachedStatus returns the data points observed by the most recent
// successful operation, performing no I/O, per spec.md §6
// "cachedStatus".
func (d *Device) CachedStatus() OperationResult {
	data := d.engine.CachedStatus()
	if data == nil {
		return OperationResult{Success: false, Error: "no cached status available"}
	}
	return OperationResult{Success: true, Dps: data}
}
