package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xraph/tempo/admin"
	"github.com/xraph/tempo/id"
	"github.com/xraph/tempo/lut"
	"github.com/xraph/tempo/thread"
	"github.com/xraph/tempo/wire"
)

// Admin forwards an edit signed by signer and decodes the result into
// out. The connection needs the admin scope; the server still verifies
// the authority signature and spends its nonce.
func (c *Client) Admin(ctx context.Context, signer *admin.Signer, op admin.Op, params, out any) error {
	req, err := signer.Sign(op, params)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("tempo/client: marshal %s params: %w", op, err)
	}
	return c.call(ctx, wire.MethodAdmin, wire.AdminRequest{Op: op, Request: req, Params: raw}, out)
}

// CreateThread creates a thread owned by signer's authority.
func (c *Client) CreateThread(ctx context.Context, signer *admin.Signer, p admin.CreateThreadParams) (*thread.Thread, error) {
	var out thread.Thread
	if err := c.Admin(ctx, signer, admin.OpCreateThread, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PauseThread pauses a thread.
func (c *Client) PauseThread(ctx context.Context, signer *admin.Signer, threadID id.ID) (*thread.Thread, error) {
	var out thread.Thread
	if err := c.Admin(ctx, signer, admin.OpPauseThread, admin.ThreadRef{ThreadID: threadID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResumeThread resumes a thread, optionally rearming a completed
// immediate trigger.
func (c *Client) ResumeThread(ctx context.Context, signer *admin.Signer, threadID id.ID, rearm bool) (*thread.Thread, error) {
	var out thread.Thread
	if err := c.Admin(ctx, signer, admin.OpResumeThread, admin.ResumeParams{ThreadID: threadID, Rearm: rearm}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CloseThread deletes a thread and returns its refunded balance.
func (c *Client) CloseThread(ctx context.Context, signer *admin.Signer, threadID id.ID) (uint64, error) {
	var out wire.CloseResponse
	if err := c.Admin(ctx, signer, admin.OpCloseThread, admin.ThreadRef{ThreadID: threadID}, &out); err != nil {
		return 0, err
	}
	return out.Refund, nil
}

// ExtendTable appends handles to a lookup table.
func (c *Client) ExtendTable(ctx context.Context, signer *admin.Signer, p admin.ExtendTableParams) (*lut.Table, error) {
	var out lut.Table
	if err := c.Admin(ctx, signer, admin.OpExtendTable, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
