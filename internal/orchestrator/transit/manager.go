package transit

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/model"
	"github.com/ventupx/wrb-vpn-system/internal/orchestrator/retry"
	apperrors "github.com/ventupx/wrb-vpn-system/pkg/errors"
	"github.com/ventupx/wrb-vpn-system/pkg/events"
	"github.com/ventupx/wrb-vpn-system/pkg/logger"
)

// AccountStore persists transit accounts.
type AccountStore interface {
	Get(ctx context.Context, id uint) (*model.TransitAccount, error)
	List(ctx context.Context) ([]*model.TransitAccount, error)
	Resolve(ctx context.Context, id *uint) (*model.TransitAccount, error)
	Save(ctx context.Context, a *model.TransitAccount) error
	SetToken(ctx context.Context, id uint, token string) error
}

// NodeStore persists the node's UDP fields.
type NodeStore interface {
	Save(ctx context.Context, n *model.Node) error
}

// OrderReader loads the order a node was sold under.
type OrderReader interface {
	Get(ctx context.Context, id uint) (*model.Order, error)
}

// Config bounds the re-login and retry loop.
type Config struct {
	MaxAttempts int
	BackoffMin  time.Duration
	BackoffMax  time.Duration
}

// Manager owns the bind/rebind/unbind lifecycle of forwarding rules.
type Manager struct {
	client   *Client
	accounts AccountStore
	nodes    NodeStore
	orders   OrderReader
	policy   retry.Policy
	logins   singleflight.Group
	events   *events.Publisher
	logger   *logger.Logger
}

// NewManager creates a transit forwarding manager
func NewManager(client *Client, accounts AccountStore, nodes NodeStore, orders OrderReader, config Config, pub *events.Publisher, log *logger.Logger) *Manager {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 4
	}
	return &Manager{
		client:   client,
		accounts: accounts,
		nodes:    nodes,
		orders:   orders,
		policy: retry.Policy{
			MaxAttempts: config.MaxAttempts,
			BackoffMin:  config.BackoffMin,
			BackoffMax:  config.BackoffMax,
		},
		events: pub,
		logger: log.WithComponent("transit.manager"),
	}
}

// token returns the account's cached token, logging in when it is empty or force is set.
// Concurrent logins for one account collapse into a single request.
func (m *Manager) token(ctx context.Context, acct *model.TransitAccount, force bool) (string, error) {
	if !force && acct.Token != "" {
		return acct.Token, nil
	}

	stale := acct.Token
	v, err, _ := m.logins.Do(strconv.FormatUint(uint64(acct.ID), 10), func() (any, error) {
		token, err := m.client.Login(ctx, acct.Username, acct.Password)
		if err != nil {
			return "", err
		}
		if err := m.accounts.SetToken(ctx, acct.ID, token); err != nil {
			return "", err
		}
		m.logger.InfoContext(ctx, "transit account logged in", "account_id", acct.ID, "refreshed", stale != "")
		return token, nil
	})
	if err != nil {
		return "", err
	}
	acct.Token = v.(string)
	return acct.Token, nil
}

// needsRelogin reports whether a failure should refresh the token before the next attempt.
func needsRelogin(err error) bool {
	if apperrors.IsErrorCode(err, apperrors.ErrCodeTransitAuthExpired) {
		return true
	}
	// business failures are retried with a fresh session as well
	de, ok := apperrors.AsDomainError(err)
	return ok && de.Code() == apperrors.ErrCodeTransitFailed && de.Metadata()["code"] != nil
}

// withSession runs fn under the retry policy, re-logging in between attempts after auth or business failures.
func (m *Manager) withSession(ctx context.Context, acct *model.TransitAccount, op string, fn func(ctx context.Context, token string) error) error {
	relogin := false
	policy := m.policy
	policy.BeforeRetry = func(ctx context.Context, attempt int, err error) error {
		relogin = needsRelogin(err)
		m.logger.WarnCtx(ctx, "transit call failed, retrying", err,
			"op", op, "attempt", attempt, "relogin", relogin, "account_id", acct.ID)
		return nil
	}

	return policy.Do(ctx, func(ctx context.Context, a retry.Attempt) error {
		token, err := m.token(ctx, acct, relogin)
		relogin = false
		if err != nil {
			return err
		}
		return fn(ctx, token)
	})
}

// terminal wraps a failure that outlived the retry bound.
func terminal(msg string, err error) apperrors.DomainError {
	return apperrors.NewTransitError(apperrors.ErrCodeTransitFailed, msg, false, err)
}

// Bind creates (or patches) the forwarding rule for the node's current destination,
// recovers the assigned listen port and persists udp_host = "{inboundGroupID}:{listenPort}".
//
// A node that already carries a rule id has that rule updated in place; otherwise an existing
// rule for the destination is adopted before a new one is created, so re-running Bind never
// duplicates rules. An account without a default group pair is refreshed once first.
func (m *Manager) Bind(ctx context.Context, node *model.Node, acct *model.TransitAccount) (string, error) {
	op := m.logger.StartOp(ctx, "transit_bind", "node_id", node.ID, "account_id", acct.ID)

	in, out, err := deviceGroups(node, acct)
	if err != nil {
		op.Progress("no device groups known, refreshing account")
		if rerr := m.Refresh(ctx, acct); rerr != nil {
			err = rerr
		} else {
			in, out, err = deviceGroups(node, acct)
		}
	}
	if err != nil {
		op.Fail(err, "no device groups to bind with")
		m.events.TransitFailed(ctx, node.ID, err.Error())
		return "", err
	}

	dest := node.Destination()
	request := RuleRequest{
		DeviceGroupIn:  in,
		DeviceGroupOut: out,
		Config:         DestinationConfig(dest),
		Name:           RuleName(node, m.orderFor(ctx, node)),
	}

	var existingID int
	if node.UDPBinding != nil && node.UDPBinding.AccountID == acct.ID {
		existingID = node.UDPBinding.RuleID
	}

	var (
		written bool
		rule    *Rule
	)
	err = m.withSession(ctx, acct, "bind", func(ctx context.Context, token string) error {
		if !written {
			if err := m.writeRule(ctx, token, existingID, dest, request); err != nil {
				return err
			}
			written = true
			op.Progress("rule written", "dest", dest)
		}

		rules, err := m.client.SearchRules(ctx, token, dest)
		if err != nil {
			return err
		}
		rule = pickRule(rules, in)
		if rule == nil || rule.ListenPort == 0 {
			return apperrors.NewTransitError(apperrors.ErrCodeRuleNotFound,
				fmt.Sprintf("no listen port assigned yet for %s", dest), true, nil)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			op.Fail(err, "bind cancelled")
			return "", ctx.Err()
		}
		err = terminal(fmt.Sprintf("transit bind for node %d failed", node.ID), err).WithMetadata("node_id", node.ID)
		op.Fail(err, "bind gave up")
		m.events.TransitFailed(ctx, node.ID, err.Error())
		return "", err
	}

	udpHost := fmt.Sprintf("%d:%d", in, rule.ListenPort)
	node.UDP = true
	node.UDPHost = udpHost
	node.UDPBinding = &model.UDPBinding{
		AccountID:   acct.ID,
		Username:    acct.Username,
		InboundID:   in,
		OutboundID:  out,
		RuleID:      rule.ID,
		RuleName:    request.Name,
		Destination: dest,
		ListenPort:  rule.ListenPort,
	}
	if err := m.nodes.Save(ctx, node); err != nil {
		op.Fail(err, "failed to persist udp binding")
		return "", err
	}

	op.Complete("udp binding ready", "udp_host", udpHost)
	m.events.TransitBound(ctx, node.ID, udpHost)
	return udpHost, nil
}

// writeRule updates rule existingID when set, adopts a rule already forwarding to dest, or creates one.
func (m *Manager) writeRule(ctx context.Context, token string, existingID int, dest string, request RuleRequest) error {
	if existingID != 0 {
		err := m.client.UpdateRule(ctx, token, existingID, request)
		if err == nil || needsRelogin(err) || apperrors.IsRetryable(err) {
			return err
		}
		// the rule is gone remotely; fall through to adopt or create
		m.logger.WarnCtx(ctx, "in-place rule update rejected, recreating", err, "rule_id", existingID)
	}

	rules, err := m.client.SearchRules(ctx, token, dest)
	if err != nil {
		return err
	}
	if len(rules) > 0 {
		return m.client.UpdateRule(ctx, token, rules[0].ID, request)
	}
	return m.client.CreateRule(ctx, token, request)
}

func pickRule(rules []Rule, inbound int) *Rule {
	for i := range rules {
		if rules[i].DeviceGroupIn == inbound {
			return &rules[i]
		}
	}
	if len(rules) > 0 {
		return &rules[0]
	}
	return nil
}

// deviceGroups picks the node's own groups, falling back per side to the account defaults.
func deviceGroups(node *model.Node, acct *model.TransitAccount) (int, int, error) {
	var in, out int
	if node.UDPBinding != nil {
		in, out = node.UDPBinding.InboundID, node.UDPBinding.OutboundID
	}
	if in == 0 && acct.DefaultInbound != nil {
		in = acct.DefaultInbound.ID
	}
	if out == 0 && acct.DefaultOutbound != nil {
		out = acct.DefaultOutbound.ID
	}
	if in == 0 || out == 0 {
		return 0, 0, apperrors.NewTransitError(apperrors.ErrCodeValidation,
			fmt.Sprintf("transit account %d has no default device group pair", acct.ID), false, nil).
			WithMetadata("account_id", acct.ID)
	}
	return in, out, nil
}

// orderFor loads the node's order for naming; nil when there is none or the lookup fails.
func (m *Manager) orderFor(ctx context.Context, node *model.Node) *model.Order {
	if node.OrderID == 0 || m.orders == nil {
		return nil
	}
	order, err := m.orders.Get(ctx, node.OrderID)
	if err != nil {
		m.logger.WarnCtx(ctx, "order lookup failed, naming rule after the node", err, "order_id", node.OrderID)
		return nil
	}
	return order
}

// RuleName labels a node's rule "{country}-{YYYY/MM/DD expiry}-{out_trade_no}".
// Without an order the node's remark and id stand in.
func RuleName(node *model.Node, order *model.Order) string {
	expiry := "none"
	if !node.ExpiryTime.IsZero() {
		expiry = node.ExpiryTime.UTC().Format("2006/01/02")
	}
	country, ref := node.Remark, strconv.FormatUint(uint64(node.ID), 10)
	if order != nil {
		if order.Country != "" {
			country = order.Country
		}
		if order.OutTradeNo != "" {
			ref = order.OutTradeNo
		}
	}
	if country == "" {
		country = "node"
	}
	return fmt.Sprintf("%s-%s-%s", country, expiry, ref)
}

// BindWith binds the node through an explicitly chosen account and device-group pair. A zero
// group id keeps the node's current group, or the account default. A binding held on another
// account is removed first.
func (m *Manager) BindWith(ctx context.Context, node *model.Node, accountID *uint, inboundGroup, outboundGroup int) (string, error) {
	var (
		acct *model.TransitAccount
		err  error
	)
	if accountID != nil && *accountID != 0 {
		acct, err = m.accounts.Get(ctx, *accountID)
	} else {
		acct, err = m.accountFor(ctx, node, nil)
	}
	if err != nil {
		return "", err
	}

	if node.UDPBinding != nil && node.UDPBinding.AccountID != 0 && node.UDPBinding.AccountID != acct.ID {
		if err := m.Unbind(ctx, node); err != nil {
			m.logger.WarnCtx(ctx, "could not remove the binding on the previous account", err,
				"node_id", node.ID, "account_id", node.UDPBinding.AccountID)
			node.UDPBinding = nil
		}
	}

	if node.UDPBinding == nil {
		node.UDPBinding = &model.UDPBinding{AccountID: acct.ID}
	}
	if inboundGroup != 0 {
		node.UDPBinding.InboundID = inboundGroup
	}
	if outboundGroup != 0 {
		node.UDPBinding.OutboundID = outboundGroup
	}
	return m.Bind(ctx, node, acct)
}

// BindNode resolves the node's account (its previous binding, the given id, or the default) and binds.
func (m *Manager) BindNode(ctx context.Context, node *model.Node, accountID *uint) (string, error) {
	acct, err := m.accountFor(ctx, node, accountID)
	if err != nil {
		return "", err
	}
	return m.Bind(ctx, node, acct)
}

func (m *Manager) accountFor(ctx context.Context, node *model.Node, accountID *uint) (*model.TransitAccount, error) {
	if node.UDPBinding != nil && node.UDPBinding.AccountID != 0 {
		acct, err := m.accounts.Get(ctx, node.UDPBinding.AccountID)
		if err == nil {
			return acct, nil
		}
		if !apperrors.IsErrorCode(err, apperrors.ErrCodeTransitNotFound) {
			return nil, err
		}
	}
	return m.accounts.Resolve(ctx, accountID)
}

// Unbind deletes every rule forwarding to the node's bound destination and clears its UDP fields.
func (m *Manager) Unbind(ctx context.Context, node *model.Node) error {
	if node.UDPBinding == nil && node.UDPHost == "" {
		return nil
	}
	acct, err := m.accountFor(ctx, node, nil)
	if err != nil {
		return err
	}

	dest := node.Destination()
	if node.UDPBinding != nil && node.UDPBinding.Destination != "" {
		dest = node.UDPBinding.Destination
	}

	err = m.withSession(ctx, acct, "unbind", func(ctx context.Context, token string) error {
		rules, err := m.client.SearchRules(ctx, token, dest)
		if err != nil {
			return err
		}
		ids := make([]int, 0, len(rules)+1)
		for _, r := range rules {
			ids = append(ids, r.ID)
		}
		if node.UDPBinding != nil && node.UDPBinding.RuleID != 0 && !slices.Contains(ids, node.UDPBinding.RuleID) {
			ids = append(ids, node.UDPBinding.RuleID)
		}
		return m.client.DeleteRules(ctx, token, ids)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return terminal(fmt.Sprintf("transit unbind for node %d failed", node.ID), err).WithMetadata("node_id", node.ID)
	}

	node.UDPHost = ""
	node.UDPBinding = nil
	if err := m.nodes.Save(ctx, node); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "udp binding removed", "node_id", node.ID, "dest", dest)
	return nil
}

// Refresh reloads account balance, traffic, rule quota and device groups. Groups are sorted by
// show_order and split into entries and exits; an unset default pair is filled from the first of each.
func (m *Manager) Refresh(ctx context.Context, acct *model.TransitAccount) error {
	err := m.withSession(ctx, acct, "refresh", func(ctx context.Context, token string) error {
		info, err := m.client.UserInfo(ctx, token)
		if err != nil {
			return err
		}
		_, count, err := m.client.ListRules(ctx, token, 1, 10)
		if err != nil {
			return err
		}
		groups, err := m.client.DeviceGroups(ctx, token)
		if err != nil {
			return err
		}

		balance, _ := info.Balance.Float64()
		acct.Balance = balance
		acct.Traffic = model.TransitTraffic{Used: info.TrafficUsed, Enabled: info.TrafficEnable}
		acct.MaxRules = info.MaxRules
		acct.RuleCount = count
		acct.InboundGroups, acct.OutboundGroups = SplitGroups(groups)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return terminal(fmt.Sprintf("transit refresh for account %d failed", acct.ID), err).WithMetadata("account_id", acct.ID)
	}

	if acct.DefaultInbound == nil && len(acct.InboundGroups) > 0 {
		acct.DefaultInbound = &acct.InboundGroups[0]
	}
	if acct.DefaultOutbound == nil && len(acct.OutboundGroups) > 0 {
		acct.DefaultOutbound = &acct.OutboundGroups[0]
	}
	return m.accounts.Save(ctx, acct)
}

// Accounts lists every transit account.
func (m *Manager) Accounts(ctx context.Context) ([]*model.TransitAccount, error) {
	return m.accounts.List(ctx)
}

// RefreshAccount refreshes one account and returns its stored state.
func (m *Manager) RefreshAccount(ctx context.Context, id uint) (*model.TransitAccount, error) {
	acct, err := m.accounts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.Refresh(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// RefreshAll refreshes every enabled account. A failing account is counted and logged; the
// others still run.
func (m *Manager) RefreshAll(ctx context.Context) (refreshed, failed int, err error) {
	accounts, err := m.accounts.List(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, acct := range accounts {
		if !acct.Enabled {
			continue
		}
		if err := m.Refresh(ctx, acct); err != nil {
			if ctx.Err() != nil {
				return refreshed, failed, ctx.Err()
			}
			failed++
			m.logger.WarnCtx(ctx, "transit account refresh failed", err, "account_id", acct.ID)
			continue
		}
		refreshed++
	}
	m.logger.InfoContext(ctx, "transit refresh finished", "accounts", len(accounts), "refreshed", refreshed, "failed", failed)
	return refreshed, failed, nil
}

// SplitGroups separates entry and exit groups, each sorted by show_order.
func SplitGroups(groups []model.DeviceGroup) (inbound, outbound []model.DeviceGroup) {
	for _, g := range groups {
		switch g.Type {
		case GroupTypeInbound:
			inbound = append(inbound, g)
		case GroupTypeOutbound:
			outbound = append(outbound, g)
		}
	}
	byOrder := func(a, b model.DeviceGroup) int { return cmp.Compare(a.ShowOrder, b.ShowOrder) }
	slices.SortStableFunc(inbound, byOrder)
	slices.SortStableFunc(outbound, byOrder)
	return inbound, outbound
}
