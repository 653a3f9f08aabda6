package connect

import (
	"context"

	"connectrpc.com/connect"
	"github.com/cockroachdb/errors"

	"github.com/osa030/voxlink/internal/app/player"
	"github.com/osa030/voxlink/internal/app/pool"
	"github.com/osa030/voxlink/internal/app/session"
	"github.com/osa030/voxlink/internal/infra/backend"
)

// ErrInvalidArgument marks request validation failures.
var ErrInvalidArgument = errors.New("invalid argument")

func invalidArgument(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidArgument)
}

var codeTable = []struct {
	code     connect.Code
	matchers []error
}{
	{connect.CodeInvalidArgument, []error{ErrInvalidArgument, player.ErrInvalidVolume, player.ErrOutOfBounds, player.ErrNotSeekable, player.ErrRestoreFailed}},
	{connect.CodeNotFound, []error{session.ErrSessionNotFound, pool.ErrNodeNotFound, backend.ErrNotFound}},
	{connect.CodeAlreadyExists, []error{session.ErrSessionExists, pool.ErrDuplicateNode}},
	{connect.CodeFailedPrecondition, []error{ErrTrackRejected, player.ErrEmptyQueue, player.ErrNoTrack, player.ErrDestroyed, session.ErrManagerClosed}},
	{connect.CodeAborted, []error{player.ErrMoveConflict}},
	{connect.CodeResourceExhausted, []error{backend.ErrRateLimited}},
	{connect.CodeDeadlineExceeded, []error{backend.ErrTimeout, backend.ErrConnectionTimeout, context.DeadlineExceeded}},
	{connect.CodeCanceled, []error{context.Canceled}},
	{connect.CodeUnavailable, []error{
		pool.ErrNoAvailableConnections, backend.ErrBackendUnavailable, backend.ErrNoSession,
		backend.ErrUnauthorized, backend.ErrMaxReconnectAttempts, backend.ErrClosed,
	}},
}

// codeOf maps an application error onto a connect code.
func codeOf(err error) connect.Code {
	for _, row := range codeTable {
		for _, target := range row.matchers {
			if errors.Is(err, target) {
				return row.code
			}
		}
	}
	return connect.CodeInternal
}

// toConnectError converts an application error into a connect error.
func toConnectError(err error) error {
	if err == nil {
		return nil
	}
	var ce *connect.Error
	if errors.As(err, &ce) {
		return ce
	}
	return connect.NewError(codeOf(err), err)
}
