package router

import (
	"context"

	"digital.vasic.nexuscloud/pkg/client"
	"digital.vasic.nexuscloud/pkg/remoteerr"
	"digital.vasic.nexuscloud/pkg/transfer"
)

// TransferOptions controls Copy and Move.
type TransferOptions struct {
	Conflict          transfer.ConflictPolicy
	SourceCredentials *client.Credentials
	DestCredentials   *client.Credentials
	// Wait blocks until the transfer settles.
	Wait bool
}

// Copy copies source to dest. Within one connection the adapter copies natively;
// between connections the file streams through the staging area.
func (r *Router) Copy(ctx context.Context, userID string, source, dest transfer.Endpoint, opts TransferOptions) (transfer.Record, error) {
	return r.submit(ctx, userID, source, dest, false, opts)
}

// Move moves source to dest. Between connections the source is deleted only
// once the destination holds the file.
func (r *Router) Move(ctx context.Context, userID string, source, dest transfer.Endpoint, opts TransferOptions) (transfer.Record, error) {
	return r.submit(ctx, userID, source, dest, true, opts)
}

func (r *Router) submit(ctx context.Context, userID string, source, dest transfer.Endpoint, isMove bool, opts TransferOptions) (transfer.Record, error) {
	op := client.OpCopy
	if isMove {
		op = client.OpRename
	}

	srcConn, err := r.Connection(ctx, userID, source.ConnectionID)
	if err != nil {
		return transfer.Record{}, err
	}
	dstConn := srcConn
	if dest.ConnectionID != source.ConnectionID {
		if dstConn, err = r.Connection(ctx, userID, dest.ConnectionID); err != nil {
			return transfer.Record{}, err
		}
	}
	if err := r.checkTransfer(srcConn, dstConn, isMove); err != nil {
		return transfer.Record{}, remoteerr.WithContext(string(op), source.Path, err)
	}
	if srcConn.ID == dstConn.ID {
		if err := transfer.CheckNativePaths(source.Path, dest.Path, opts.Conflict); err != nil {
			return transfer.Record{}, err
		}
	}

	source.Kind, dest.Kind = srcConn.Kind, dstConn.Kind
	rec, err := r.manager.Submit(transfer.Request{
		UserID:            userID,
		Source:            source,
		Dest:              dest,
		IsMove:            isMove,
		Conflict:          opts.Conflict,
		SourceCredentials: opts.SourceCredentials,
		DestCredentials:   opts.DestCredentials,
	})
	if err != nil || !opts.Wait {
		return rec, err
	}
	return r.manager.Wait(ctx, userID, rec.ID)
}

// checkTransfer rejects transfers no capability set can carry, before any
// session is opened.
func (r *Router) checkTransfer(src, dst client.Connection, isMove bool) error {
	need := func(kind client.Kind, op client.Operation) error {
		if !r.registry.Supports(kind, op) {
			return remoteerr.Unsupported(string(op), string(kind))
		}
		return nil
	}

	if src.ID == dst.ID {
		if isMove {
			return need(src.Kind, client.OpRename)
		}
		return need(src.Kind, client.OpCopy)
	}
	if err := need(src.Kind, client.OpDownload); err != nil {
		return err
	}
	if isMove {
		if err := need(src.Kind, client.OpDelete); err != nil {
			return err
		}
	}
	return need(dst.Kind, client.OpUpload)
}
