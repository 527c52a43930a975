package api

import (
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/model"
	pkgapi "github.com/ventupx/wrb-vpn-system/pkg/api"
)

func toNodeInfo(n *model.Node) pkgapi.NodeInfo {
	return pkgapi.NodeInfo{
		ID:                n.ID,
		OrderID:           n.OrderID,
		UserID:            n.UserID,
		Remark:            n.Remark,
		Protocol:          string(n.Protocol),
		Status:            string(n.Status),
		PanelID:           n.PanelID,
		PanelType:         string(n.HostConfig.PanelType),
		OutboundTag:       n.HostConfig.OutboundTag,
		Host:              n.Host,
		Port:              n.Port,
		PanelNodeID:       n.PanelNodeID,
		UDPHost:           n.UDPHost,
		RoutingIncomplete: n.RoutingIncomplete,
		ExpiryTime:        n.ExpiryTime,
		LastError:         n.LastError,
		UpdatedAt:         n.UpdatedAt,
	}
}

func toPanelInfo(p *model.Panel) pkgapi.PanelInfo {
	return pkgapi.PanelInfo{
		ID:          p.ID,
		Address:     p.Address,
		PanelType:   string(p.PanelType),
		Country:     p.Country,
		IsActive:    p.IsActive,
		IsOnline:    p.IsOnline,
		NodesCount:  p.NodesCount,
		XrayVersion: p.XrayVersion,
		CPUUsage:    p.CPUUsage,
		MemUsage:    p.MemUsage,
		DiskUsage:   p.DiskUsage,
		LastSweepAt: p.LastSweepAt,
		LastRestart: p.LastRestart,
	}
}

func toDeviceGroups(groups []model.DeviceGroup) []pkgapi.DeviceGroup {
	out := make([]pkgapi.DeviceGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, pkgapi.DeviceGroup{ID: g.ID, Name: g.Name})
	}
	return out
}

func toDeviceGroup(g *model.DeviceGroup) *pkgapi.DeviceGroup {
	if g == nil {
		return nil
	}
	return &pkgapi.DeviceGroup{ID: g.ID, Name: g.Name}
}

func toTransitAccountInfo(a *model.TransitAccount) pkgapi.TransitAccountInfo {
	return pkgapi.TransitAccountInfo{
		ID:              a.ID,
		Username:        a.Username,
		Enabled:         a.Enabled,
		Balance:         a.Balance,
		TrafficUsed:     a.Traffic.Used,
		TrafficEnabled:  a.Traffic.Enabled,
		MaxRules:        a.MaxRules,
		RuleCount:       a.RuleCount,
		InboundGroups:   toDeviceGroups(a.InboundGroups),
		OutboundGroups:  toDeviceGroups(a.OutboundGroups),
		DefaultInbound:  toDeviceGroup(a.DefaultInbound),
		DefaultOutbound: toDeviceGroup(a.DefaultOutbound),
		UpdatedAt:       a.UpdatedAt,
	}
}

func toRefundInfo(r *model.Refund) pkgapi.RefundInfo {
	return pkgapi.RefundInfo{
		ID:        r.ID,
		OrderID:   r.OrderID,
		NodeID:    r.NodeID,
		UserID:    r.UserID,
		Reason:    r.Reason,
		Settled:   r.Settled,
		CreatedAt: r.CreatedAt,
	}
}

func taskIDs(tasks []*model.Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return ids
}
