package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/model"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/panel"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/store"
	pkgapi "github.com/ventupx/wrb-vpn-system/pkg/api"
	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
	applogger "github.com/ventupx/wrb-vpn-system/pkg/logger"
)

func pathID(c *gin.Context) (uint, error) {
	raw := c.Param("id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, apperrors.NewAPIError(apperrors.ErrCodeValidation, "invalid id "+strconv.Quote(raw), err)
	}
	return uint(id), nil
}

func bindJSON(c *gin.Context, dst any) error {
	if err := c.ShouldBindJSON(dst); err != nil {
		return apperrors.NewAPIError(apperrors.ErrCodeValidation, "invalid request body", err)
	}
	return nil
}

func (s *Server) healthHandler(c *gin.Context) {
	resp := pkgapi.HealthResponse{Status: "healthy", Version: s.config.Version}
	if s.deps.Bus != nil {
		resp.EventBus = s.deps.Bus.Health().Status
	}
	writeSuccess(c, http.StatusOK, resp)
}

func (s *Server) fulfillOrderHandler(c *gin.Context) {
	orderID, err := pathID(c)
	if err != nil {
		writeError(c, err)
		return
	}
	ctx := applogger.WithOrderID(c.Request.Context(), orderID)

	res, err := s.deps.Fulfiller.Fulfill(ctx, orderID)
	if res == nil {
		writeError(c, err)
		return
	}
	writeSuccess(c, http.StatusAccepted, pkgapi.Accepted{
		OrderID: orderID,
		TaskIDs: taskIDs(res.Tasks),
		Status:  string(res.Status),
		Errors:  splitErrors(err),
	})
}

// destination resolves the target panel of a migration request.
func (s *Server) destination(c *gin.Context) (*model.Panel, error) {
	var req pkgapi.MigrateRequest
	if err := bindJSON(c, &req); err != nil {
		return nil, err
	}
	return s.deps.Panels.Get(c.Request.Context(), req.PanelID)
}

func (s *Server) migrateOrderHandler(c *gin.Context) {
	orderID, err := pathID(c)
	if err != nil {
		writeError(c, err)
		return
	}
	dest, err := s.destination(c)
	if err != nil {
		writeError(c, err)
		return
	}

	tasks, err := s.deps.Migrator.MigrateOrder(c.Request.Context(), orderID, dest)
	if len(tasks) == 0 && err != nil {
		writeError(c, err)
		return
	}
	writeSuccess(c, http.StatusAccepted, pkgapi.Accepted{
		OrderID: orderID,
		TaskIDs: taskIDs(tasks),
		Status:  string(model.NodeStatusPending),
		Errors:  splitErrors(err),
	})
}

func (s *Server) loadNode(c *gin.Context) (*model.Node, bool) {
	id, err := pathID(c)
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	node, err := s.deps.Nodes.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return node, true
}

func (s *Server) getNodeHandler(c *gin.Context) {
	node, ok := s.loadNode(c)
	if !ok {
		return
	}
	writeSuccess(c, http.StatusOK, toNodeInfo(node))
}

func (s *Server) migrateNodeHandler(c *gin.Context) {
	node, ok := s.loadNode(c)
	if !ok {
		return
	}
	dest, err := s.destination(c)
	if err != nil {
		writeError(c, err)
		return
	}

	task, err := s.deps.Migrator.Migrate(c.Request.Context(), node, dest)
	if err != nil {
		writeError(c, err)
		return
	}
	writeSuccess(c, http.StatusAccepted, pkgapi.Accepted{
		NodeID:  node.ID,
		TaskIDs: []string{task.ID},
		Status:  string(node.Status),
	})
}

func (s *Server) renewNodeHandler(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		writeError(c, err)
		return
	}
	var req pkgapi.RenewRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}

	task, err := s.deps.Fulfiller.Renew(c.Request.Context(), id, req.ExpiryTime)
	if err != nil {
		writeError(c, err)
		return
	}
	writeSuccess(c, http.StatusAccepted, pkgapi.Accepted{NodeID: id, TaskIDs: []string{task.ID}})
}

func (s *Server) checkNodeHandler(c *gin.Context) {
	node, ok := s.loadNode(c)
	if !ok {
		return
	}
	if node.Status == model.NodeStatusDeleted {
		writeError(c, apperrors.NewNodeError(apperrors.ErrCodeNodeState, "node is deleted", false, nil).
			WithMetadata("node_id", node.ID))
		return
	}

	task, _, err := s.deps.Tasks.Enqueue(c.Request.Context(), &model.Task{NodeID: node.ID, Kind: model.TaskCheck})
	if err != nil {
		writeError(c, err)
		return
	}
	writeSuccess(c, http.StatusAccepted, pkgapi.Accepted{
		NodeID:  node.ID,
		TaskIDs: []string{task.ID},
		Status:  string(node.Status),
	})
}

func (s *Server) deleteNodeHandler(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		writeError(c, err)
		return
	}
	node, err := s.deps.Fulfiller.Delete(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeSuccess(c, http.StatusOK, toNodeInfo(node))
}

func (s *Server) listPanelsHandler(c *gin.Context) {
	var params pkgapi.PanelListParams
	if err := c.ShouldBindQuery(&params); err != nil {
		writeError(c, apperrors.NewAPIError(apperrors.ErrCodeValidation, "invalid query", err))
		return
	}
	if params.PanelType != "" && !model.PanelType(params.PanelType).Valid() {
		writeError(c, apperrors.NewAPIError(apperrors.ErrCodeValidation, "unknown panel_type "+strconv.Quote(params.PanelType), nil))
		return
	}

	panels, err := s.deps.Panels.List(c.Request.Context(), store.PanelFilter{
		Country:    params.Country,
		PanelType:  model.PanelType(params.PanelType),
		OnlineOnly: params.OnlineOnly,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]pkgapi.PanelInfo, 0, len(panels))
	for _, p := range panels {
		info := toPanelInfo(p)
		info.BreakerState = string(s.deps.Remote.BreakerState(p))
		out = append(out, info)
	}
	writeSuccess(c, http.StatusOK, out)
}

func (s *Server) loadPanel(c *gin.Context) (*model.Panel, bool) {
	id, err := pathID(c)
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	p, err := s.deps.Panels.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return p, true
}

func (s *Server) sweepPanelHandler(c *gin.Context) {
	p, ok := s.loadPanel(c)
	if !ok {
		return
	}
	res, err := s.deps.Sweeper.SweepPanel(c.Request.Context(), p)
	if err != nil {
		writeError(c, err)
		return
	}
	writeSuccess(c, http.StatusOK, pkgapi.SweepResponse{
		PanelID:      res.PanelID,
		Inbounds:     res.Inbounds,
		PortsAdded:   res.PortsAdded,
		PortsRemoved: res.PortsRemoved,
	})
}

func (s *Server) restartPanelHandler(c *gin.Context) {
	p, ok := s.loadPanel(c)
	if !ok {
		return
	}
	ctx := applogger.WithPanelID(c.Request.Context(), p.ID)
	if err := s.deps.Remote.RestartXray(ctx, p); err != nil {
		writeError(c, err)
		return
	}

	at := time.Now().UTC()
	if p.LastRestart != nil {
		at = *p.LastRestart
	}
	if err := s.deps.Panels.MarkRestarted(ctx, p.ID, at); err != nil {
		GetLogger(ctx).ErrorCtx(ctx, "failed to record panel restart", err)
	}
	p.LastRestart = &at
	writeSuccess(c, http.StatusOK, toPanelInfo(p))
}

func (s *Server) testPanelHandler(c *gin.Context) {
	p, ok := s.loadPanel(c)
	if !ok {
		return
	}
	ctx := applogger.WithPanelID(c.Request.Context(), p.ID)

	resp := pkgapi.ConnectionResponse{PanelID: p.ID, Connected: true}
	if err := s.deps.Remote.TestConnection(ctx, p); err != nil {
		resp.Connected = false
		resp.Error = err.Error()
	}
	resp.BreakerState = string(s.deps.Remote.BreakerState(p))
	writeSuccess(c, http.StatusOK, resp)
}

func (s *Server) setPanelActiveHandler(c *gin.Context) {
	p, ok := s.loadPanel(c)
	if !ok {
		return
	}
	var req pkgapi.SetActiveRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}

	ctx := applogger.WithPanelID(c.Request.Context(), p.ID)
	if err := s.deps.Panels.SetActive(ctx, p.ID, *req.Active); err != nil {
		writeError(c, err)
		return
	}
	p.IsActive = *req.Active
	GetLogger(ctx).InfoContext(ctx, "panel placement changed", "active", p.IsActive)
	writeSuccess(c, http.StatusOK, toPanelInfo(p))
}

func (s *Server) getOutboundsHandler(c *gin.Context) {
	p, ok := s.loadPanel(c)
	if !ok {
		return
	}
	cfg, err := s.deps.Remote.GetXrayConfig(applogger.WithPanelID(c.Request.Context(), p.ID), p)
	if err != nil {
		writeError(c, err)
		return
	}
	writeSuccess(c, http.StatusOK, pkgapi.OutboundsResponse{
		PanelID:  p.ID,
		Tags:     cfg.OutboundTags(),
		Template: cfg.Template(),
	})
}

func (s *Server) saveOutboundsHandler(c *gin.Context) {
	p, ok := s.loadPanel(c)
	if !ok {
		return
	}
	var req pkgapi.SaveOutboundsRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}
	cfg, err := panel.NewXrayConfig(req.Template)
	if err != nil {
		writeError(c, apperrors.NewAPIError(apperrors.ErrCodeValidation, err.Error(), err))
		return
	}

	ctx := applogger.WithPanelID(c.Request.Context(), p.ID)
	if err := s.deps.Remote.UpdateXrayConfig(ctx, p, cfg); err != nil {
		writeError(c, err)
		return
	}
	writeSuccess(c, http.StatusOK, pkgapi.OutboundsResponse{
		PanelID:  p.ID,
		Tags:     cfg.OutboundTags(),
		Template: cfg.Template(),
	})
}

func (s *Server) bindUDPHandler(c *gin.Context) {
	node, ok := s.loadNode(c)
	if !ok {
		return
	}
	var req pkgapi.BindUDPRequest
	if err := bindJSON(c, &req); err != nil {
		writeError(c, err)
		return
	}
	if !node.IsProvisioned() {
		writeError(c, apperrors.NewNodeError(apperrors.ErrCodeNodeState,
			"udp forwarding needs a serving node, node is "+string(node.Status), false, nil).
			WithMetadata("node_id", node.ID))
		return
	}

	task, _, err := s.deps.Tasks.Enqueue(c.Request.Context(), &model.Task{
		NodeID:          node.ID,
		Kind:            model.TaskBindUDP,
		AccountID:       req.AccountID,
		InboundGroupID:  req.InboundGroupID,
		OutboundGroupID: req.OutboundGroupID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeSuccess(c, http.StatusAccepted, pkgapi.Accepted{
		NodeID:  node.ID,
		TaskIDs: []string{task.ID},
		Status:  string(node.Status),
	})
}

func (s *Server) listTransitAccountsHandler(c *gin.Context) {
	accounts, err := s.deps.Transit.Accounts(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]pkgapi.TransitAccountInfo, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, toTransitAccountInfo(a))
	}
	writeSuccess(c, http.StatusOK, out)
}

func (s *Server) refreshTransitAccountHandler(c *gin.Context) {
	id, err := pathID(c)
	if err != nil {
		writeError(c, err)
		return
	}
	account, err := s.deps.Transit.RefreshAccount(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeSuccess(c, http.StatusOK, toTransitAccountInfo(account))
}

func (s *Server) listRefundsHandler(c *gin.Context) {
	var params pkgapi.RefundListParams
	if err := c.ShouldBindQuery(&params); err != nil {
		writeError(c, apperrors.NewAPIError(apperrors.ErrCodeValidation, "invalid query", err))
		return
	}
	refunds, err := s.deps.Refunds.ListRefunds(c.Request.Context(), params.Unsettled)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]pkgapi.RefundInfo, 0, len(refunds))
	for _, r := range refunds {
		out = append(out, toRefundInfo(r))
	}
	writeSuccess(c, http.StatusOK, out)
}
