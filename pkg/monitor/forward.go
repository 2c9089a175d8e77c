package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"replsvc/pkg/dberrors"
	"replsvc/pkg/service"
)

const (
	// ForwardEndpoint accepts requests forwarded by peers that are not
	// leading.
	ForwardEndpoint = "/api/internal/forward"
	maxForwardHops  = 3
)

// ForwardRequestLeader hands req to the leader and relays its reply. With no
// leader known, the request is dispatched again once an election finishes.
// It runs on the loop.
func (m *Monitor) ForwardRequestLeader(req *service.Request) {
	if req.Hops >= maxForwardHops {
		req.Fail(fmt.Errorf("%w: request %s exceeded %d forwarding hops", dberrors.ErrNotLeader, req.ID, maxForwardHops))
		return
	}

	leader := m.engine.LeaderAddr()
	if leader == "" {
		slog.Debug("no leader to forward to, waiting", "req", req.ID)
		m.engine.WaitForActive(func() {
			m.dispatch(req)
		})
		return
	}

	fwd := &service.Request{
		ID:      req.ID,
		Service: req.Service,
		Op:      req.Op,
		Args:    req.Args,
		Version: req.Version,
		Source:  req.Source,
		Hops:    req.Hops + 1,
	}
	if fwd.Source == "" {
		fwd.Source = m.self
	}
	body, err := json.Marshal(fwd)
	if err != nil {
		req.Fail(fmt.Errorf("marshal forwarded request: %w", err))
		return
	}

	slog.Debug("forwarding to leader", "req", req.ID, "leader", leader, "hops", fwd.Hops)
	go func() {
		rep, err := m.postForward(leader+ForwardEndpoint, body)
		if err != nil {
			slog.Warn("forward to leader failed", "req", req.ID, "leader", leader, "error", err)
			req.Fail(err)
			return
		}
		req.Reply(rep)
	}()
}

func (m *Monitor) postForward(url string, body []byte) (service.Reply, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Server.RequestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return service.Reply{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return service.Reply{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return service.Reply{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var rep service.Reply
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return service.Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	return rep, nil
}

// HandleForwarded serves a request forwarded by a peer.
func (m *Monitor) HandleForwarded(ctx context.Context, req *service.Request) (service.Reply, error) {
	slog.Debug("forwarded request", "req", req.ID, "source", req.Source, "hops", req.Hops)
	return m.Submit(ctx, req)
}
