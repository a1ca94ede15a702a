package ice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pion/stun/v3"

	"github.com/1ureka/peerlink/internal/metrics"
	"github.com/1ureka/peerlink/internal/util"
)

// Credentials are one side's ICE ufrag and password.
type Credentials struct {
	UFrag string
	Pwd   string
}

// CheckConfig carries what a connectivity check needs besides the pair.
type CheckConfig struct {
	Local       Credentials
	Remote      Credentials
	Controlling bool
	TieBreaker  uint64
	// Nominate adds USE-CANDIDATE; only meaningful for the controlling agent.
	Nominate bool
	Timeout  time.Duration
	RTO      time.Duration
}

// CheckResult is a successful check.
type CheckResult struct {
	Mapped *net.UDPAddr
	RTT    time.Duration
}

var (
	errCheckTimeout  = errors.New("no response")
	errBadIntegrity  = errors.New("response integrity check failed")
	errErrorResponse = errors.New("error response")
)

// Check sends a Binding request from base to the pair's remote candidate and
// waits up to cfg.Timeout for an authenticated success response.
func Check(ctx context.Context, base *Base, pair *Pair, cfg CheckConfig) (res CheckResult, err error) {
	start := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		metrics.ChecksTotal.WithLabelValues(outcome).Inc()
		metrics.CheckDuration.WithLabelValues(outcome).Observe(float64(time.Since(start).Milliseconds()))
	}()
	util.Stats.AddCheck()

	remote := pair.Remote.Addr()
	if remote == nil {
		return CheckResult{}, fmt.Errorf("remote %s has no IP address", pair.Remote)
	}

	setters := []stun.Setter{
		stun.TransactionID,
		stun.BindingRequest,
		stun.NewUsername(cfg.Remote.UFrag + ":" + cfg.Local.UFrag),
		priorityAttr(CandidatePriority(PrefPrflx, pair.Local.LocalPreference(), pair.Local.Component)),
		roleAttr{controlling: cfg.Controlling, tieBreaker: cfg.TieBreaker},
	}
	if cfg.Controlling && cfg.Nominate {
		setters = append(setters, useCandidateAttr{})
	}
	setters = append(setters, stun.NewShortTermIntegrity(cfg.Remote.Pwd), stun.Fingerprint)

	req, err := stun.Build(setters...)
	if err != nil {
		return CheckResult{}, fmt.Errorf("build binding request: %w", err)
	}

	rto := cfg.RTO
	if rto <= 0 {
		rto = stunRTO
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	resp, err := base.Roundtrip(ctx, req, remote, rto)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return CheckResult{}, fmt.Errorf("%w within %v", errCheckTimeout, cfg.Timeout)
		}
		return CheckResult{}, err
	}

	if resp.Type.Class == stun.ClassErrorResponse {
		var code stun.ErrorCodeAttribute
		if err := code.GetFrom(resp); err == nil {
			return CheckResult{}, fmt.Errorf("%w: %d %s", errErrorResponse, code.Code, code.Reason)
		}
		return CheckResult{}, errErrorResponse
	}
	if err := stun.NewShortTermIntegrity(cfg.Remote.Pwd).Check(resp); err != nil {
		return CheckResult{}, errBadIntegrity
	}

	var mapped stun.XORMappedAddress
	if err := mapped.GetFrom(resp); err != nil {
		return CheckResult{}, fmt.Errorf("XOR-MAPPED-ADDRESS: %w", err)
	}
	return CheckResult{
		Mapped: &net.UDPAddr{IP: mapped.IP, Port: mapped.Port},
		RTT:    time.Since(start),
	}, nil
}

// InboundCheck describes an authenticated Binding request from the peer.
type InboundCheck struct {
	From         *net.UDPAddr
	Priority     uint32
	UseCandidate bool
	Controlling  bool
}

// Answer authenticates an inbound Binding request against the local
// credentials and replies on base. Unauthenticated requests get a 401 and an
// error; malformed ones a 400.
func Answer(base *Base, m *stun.Message, from net.Addr, local Credentials) (InboundCheck, error) {
	udp, ok := from.(*net.UDPAddr)
	if !ok {
		return InboundCheck{}, fmt.Errorf("unexpected source address %v", from)
	}
	if m.Type.Method != stun.MethodBinding {
		return InboundCheck{}, reject(base, m, from, stun.CodeBadRequest, "unsupported method")
	}

	var username stun.Username
	if err := username.GetFrom(m); err != nil {
		return InboundCheck{}, reject(base, m, from, stun.CodeBadRequest, "missing USERNAME")
	}
	if !strings.HasPrefix(username.String(), local.UFrag+":") {
		return InboundCheck{}, reject(base, m, from, stun.CodeUnauthorized, "unknown ufrag")
	}
	if err := stun.NewShortTermIntegrity(local.Pwd).Check(m); err != nil {
		return InboundCheck{}, reject(base, m, from, stun.CodeUnauthorized, "bad MESSAGE-INTEGRITY")
	}

	var prio priorityAttr
	if err := prio.GetFrom(m); err != nil {
		return InboundCheck{}, reject(base, m, from, stun.CodeBadRequest, "missing PRIORITY")
	}
	var role roleAttr
	_ = role.GetFrom(m)

	resp, err := stun.Build(
		stun.NewTransactionIDSetter(m.TransactionID),
		stun.BindingSuccess,
		&stun.XORMappedAddress{IP: udp.IP, Port: udp.Port},
		stun.NewShortTermIntegrity(local.Pwd),
		stun.Fingerprint,
	)
	if err != nil {
		return InboundCheck{}, fmt.Errorf("build binding response: %w", err)
	}
	if _, err := base.WriteTo(resp.Raw, from); err != nil {
		return InboundCheck{}, fmt.Errorf("send binding response: %w", err)
	}

	return InboundCheck{
		From:         udp,
		Priority:     uint32(prio),
		UseCandidate: hasUseCandidate(m),
		Controlling:  role.controlling,
	}, nil
}

func reject(base *Base, m *stun.Message, from net.Addr, code stun.ErrorCode, reason string) error {
	resp, err := stun.Build(
		stun.NewTransactionIDSetter(m.TransactionID),
		stun.BindingError,
		code,
		stun.Fingerprint,
	)
	if err == nil {
		_, _ = base.WriteTo(resp.Raw, from)
	}
	return fmt.Errorf("rejected binding request from %s: %s", from, reason)
}
