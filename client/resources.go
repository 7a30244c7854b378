package client

import (
	"context"

	"github.com/xraph/tempo/crank"
	"github.com/xraph/tempo/dlq"
	"github.com/xraph/tempo/executor"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/lut"
	"github.com/xraph/tempo/resource"
	"github.com/xraph/tempo/thread"
	"github.com/xraph/tempo/wire"
)

// Thread fetches one thread.
func (c *Client) Thread(ctx context.Context, threadID id.ID) (*thread.Thread, error) {
	var out thread.Thread
	if err := c.call(ctx, wire.MethodThreadGet, wire.ThreadRequest{ThreadID: threadID.String()}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ThreadFilter narrows Threads.
type ThreadFilter struct {
	// Authority is optional; zero lists every authority.
	Authority     resource.Handle
	IncludePaused bool
	Limit         int
}

// Threads lists threads, oldest first.
func (c *Client) Threads(ctx context.Context, f ThreadFilter) ([]*thread.Thread, error) {
	req := wire.ThreadListRequest{IncludePaused: f.IncludePaused, Limit: f.Limit}
	if !f.Authority.IsZero() {
		req.Authority = f.Authority.String()
	}
	var out []*thread.Thread
	if err := c.call(ctx, wire.MethodThreadList, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// History returns the commits paid by a thread, oldest first.
func (c *Client) History(ctx context.Context, threadID id.ID) ([]executor.Commit, error) {
	var out []executor.Commit
	if err := c.call(ctx, wire.MethodThreadHistory, wire.ThreadRequest{ThreadID: threadID.String()}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Table fetches one lookup table.
func (c *Client) Table(ctx context.Context, tableID id.ID) (*lut.Table, error) {
	var out lut.Table
	if err := c.call(ctx, wire.MethodTableGet, wire.TableRequest{TableID: tableID.String()}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Tables lists the tables owned by authority.
func (c *Client) Tables(ctx context.Context, authority resource.Handle) ([]*lut.Table, error) {
	var out []*lut.Table
	if err := c.call(ctx, wire.MethodTableList, wire.AuthorityRequest{Authority: authority.String()}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Crank fetches one crank.
func (c *Client) Crank(ctx context.Context, crankID id.ID) (*crank.State, error) {
	var out crank.State
	if err := c.call(ctx, wire.MethodCrankGet, wire.CrankRequest{CrankID: crankID.String()}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cranks lists the cranks owned by authority.
func (c *Client) Cranks(ctx context.Context, authority resource.Handle) ([]*crank.State, error) {
	var out []*crank.State
	if err := c.call(ctx, wire.MethodCrankList, wire.AuthorityRequest{Authority: authority.String()}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Reports lists failure reports.
func (c *Client) Reports(ctx context.Context, req wire.DLQListRequest) ([]*dlq.Entry, error) {
	var out []*dlq.Entry
	if err := c.call(ctx, wire.MethodDLQList, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Replay resumes the thread behind a failure report.
func (c *Client) Replay(ctx context.Context, reportID id.ID) error {
	return c.call(ctx, wire.MethodDLQReplay, wire.DLQReplayRequest{ReportID: reportID.String()}, nil)
}
