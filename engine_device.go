package authcore

import (
	"context"
	"errors"

	"github.com/robelest/authcore/internal"
	"github.com/robelest/authcore/store"
)

func (e *Engine) signInDevice(ctx context.Context, p *DeviceProvider, req SignInRequest) (*SignInResult, error) {
	if code := req.Params["deviceCode"]; code != "" {
		return e.devicePoll(ctx, p, code)
	}
	return e.deviceStart(ctx, p)
}

// deviceStart opens an RFC 8628 grant. The user code is stored in its
// normalized form; the grouped form exists only for display.
func (e *Engine) deviceStart(ctx context.Context, p *DeviceProvider) (*SignInResult, error) {
	deviceCode, err := internal.NewStateToken()
	if err != nil {
		return nil, err
	}
	display, err := internal.NewUserCode(e.config.Device.UserCodeLength)
	if err != nil {
		return nil, err
	}

	now := e.now()
	interval := int(e.config.Device.PollInterval.Seconds())
	expiresIn := int(e.config.Device.CodeTTL.Seconds())

	if err := e.store.CreateDeviceAuthorization(ctx, &store.DeviceAuthorization{
		DeviceCode: deviceCode,
		UserCode:   internal.NormalizeUserCode(display),
		Provider:   p.ID(),
		Status:     store.DeviceStatusPending,
		Interval:   interval,
		ExpiresAt:  now.Add(e.config.Device.CodeTTL).Unix(),
	}, now); err != nil {
		return nil, err
	}

	uri := p.VerificationURI
	if uri == "" {
		uri = e.config.Device.VerificationURI
	}

	e.metricInc(MetricDeviceStarted)
	e.emitAudit(ctx, auditEventDeviceFlowStarted, true, "", "", p.ID(), nil, nil)

	return &SignInResult{
		Kind: KindDeviceCode,
		DeviceCode: &DeviceCodeResult{
			DeviceCode:      deviceCode,
			UserCode:        display,
			VerificationURI: uri,
			ExpiresIn:       expiresIn,
			Interval:        interval,
		},
	}, nil
}

// devicePoll advances one poll. Every verdict except approval comes
// back as a sentinel error so transports can map them onto the standard
// device-flow responses; approval completes the sign-in.
func (e *Engine) devicePoll(ctx context.Context, p *DeviceProvider, deviceCode string) (*SignInResult, error) {
	e.metricInc(MetricDevicePolled)

	outcome, userID, err := e.store.PollDevice(ctx, deviceCode, e.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrDeviceCodeExpired
		}
		return nil, err
	}

	switch outcome {
	case store.PollPending:
		return nil, ErrDeviceAuthorizationPending
	case store.PollSlowDown:
		e.metricInc(MetricDeviceSlowDown)
		return nil, ErrDeviceSlowDown
	case store.PollExpired:
		return nil, ErrDeviceCodeExpired
	case store.PollDenied:
		return nil, ErrDeviceCodeDenied
	case store.PollApproved:
	default:
		return nil, ErrDeviceCodeExpired
	}

	res, err := e.signedIn(ctx, userID, "")
	if err != nil {
		return nil, err
	}

	e.metricInc(MetricSignInSuccess)
	e.emitAudit(ctx, auditEventSignInSuccess, true, userID, res.SignedIn.SessionID, p.ID(), nil, nil)
	return res, nil
}

// ApproveDevice stamps the signed-in user's approval onto the pending
// grant named by userCode. The polling device picks the verdict up on
// its next poll.
func (e *Engine) ApproveDevice(ctx context.Context, userCode, userID string) error {
	return e.resolveDevice(ctx, userCode, userID, true)
}

// DenyDevice rejects the pending grant named by userCode.
func (e *Engine) DenyDevice(ctx context.Context, userCode, userID string) error {
	return e.resolveDevice(ctx, userCode, userID, false)
}

func (e *Engine) resolveDevice(ctx context.Context, userCode, userID string, approve bool) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}

	normalized := internal.NormalizeUserCode(userCode)
	if normalized == "" {
		return errMissingParam("userCode")
	}
	if approve {
		if userID == "" {
			return errMissingParam("userId")
		}
		if _, err := e.store.UserByID(ctx, userID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrInvalidAccountID
			}
			return err
		}
	}

	if err := e.store.ResolveDevice(ctx, normalized, userID, approve, e.now()); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrDuplicate):
			return ErrInvalidVerificationCode
		case errors.Is(err, store.ErrExpired):
			return ErrDeviceCodeExpired
		}
		return err
	}

	if approve {
		e.metricInc(MetricDeviceApproved)
		e.emitAudit(ctx, auditEventDeviceApproved, true, userID, "", "", nil, nil)
	} else {
		e.metricInc(MetricDeviceDenied)
		e.emitAudit(ctx, auditEventDeviceDenied, true, userID, "", "", nil, nil)
	}
	return nil
}
