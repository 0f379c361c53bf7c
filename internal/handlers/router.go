package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/popguard-go/internal/security"
	"github.com/Rorqualx/popguard-go/internal/types"
	"github.com/Rorqualx/popguard-go/pkg/version"
)

// routeCommand dispatches a validated request and writes the response. It
// returns the response status for metrics.
func (h *Handler) routeCommand(w http.ResponseWriter, ctx context.Context, req *types.Request, start time.Time) string {
	var (
		resp types.Response
		err  error
	)

	switch req.Cmd {
	case types.CmdTabsOpen:
		resp, err = h.handleTabOpen(ctx, req)
	case types.CmdTabsNavigate:
		resp, err = h.handleTabNavigate(ctx, req)
	case types.CmdTabsClose:
		resp, err = h.handleTabClose(ctx, req)
	case types.CmdTabsList:
		resp = h.handleTabList()
	case types.CmdGuardEnable, types.CmdGuardDisable, types.CmdGuardState:
		resp, err = h.handleGuard(ctx, req)
	case types.CmdWhitelistAdd:
		resp, err = h.handleWhitelistAdd(ctx, req)
	case types.CmdWhitelistRemove:
		resp, err = h.handleWhitelistRemove(ctx, req)
	case types.CmdWhitelistList:
		resp, err = h.handleWhitelistList(ctx)
	case types.CmdNotificationsList:
		resp, err = h.handleNotifications(req)
	case types.CmdPopupAllow:
		resp, err = h.handlePopupAllow(ctx, req)
	default:
		// Validate rejects unknown commands; kept for safety.
		err = fmt.Errorf("%w: %q", types.ErrInvalidCommand, req.Cmd)
	}

	if err != nil {
		code := statusFor(err)
		ev := log.Warn()
		if code >= http.StatusInternalServerError {
			ev = log.Error()
		}
		ev.Err(err).
			Str("cmd", req.Cmd).
			Str("tab_id", req.Tab).
			Str("url", security.RedactURL(req.URL)).
			Int("status", code).
			Msg("Command failed")
		h.writeErrorWithStatus(w, code, err.Error(), start)
		return types.StatusError
	}

	resp.Status = types.StatusOK
	resp.StartTime = start.UnixMilli()
	resp.EndTime = time.Now().UnixMilli()
	resp.Version = version.Full()
	h.writeJSONResponse(w, http.StatusOK, resp)
	return types.StatusOK
}
