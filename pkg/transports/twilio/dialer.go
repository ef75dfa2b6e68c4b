package twilio

import (
	"context"
	"errors"
	"strings"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/callguide/pkg/errorsx"
	"github.com/harunnryd/callguide/pkg/transports"
)

var (
	ErrMissingCredentials = errors.New("twilio: account_sid and auth_token are required")
	ErrMissingParty       = errors.New("twilio: to and from are required")
	errNoCallSID          = errors.New("twilio: response carried no call sid")
)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// Dialer places outbound calls through the Twilio REST API. The answered
// call fetches TwiML from the voice webhook, which starts the media stream.
type Dialer struct {
	cfg    Config
	client callCreator
}

func NewDialer(cfg Config) *Dialer {
	cfg = cfg.withDefaults()
	d := &Dialer{cfg: cfg}
	if cfg.AccountSID != "" && cfg.AuthToken != "" {
		d.client = twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		}).Api
	}
	return d
}

func (d *Dialer) Dial(ctx context.Context, to, from, url string) (string, error) {
	return d.DialWithOptions(ctx, to, from, url, transports.DialOptions{})
}

// DialWithOptions places the call. An empty url uses the configured voice
// webhook; completion is reported to the status callback so the ingress can
// end the stream.
func (d *Dialer) DialWithOptions(ctx context.Context, to, from, url string, opts transports.DialOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(to) == "" || strings.TrimSpace(from) == "" {
		return "", ErrMissingParty
	}
	if d.client == nil {
		return "", ErrMissingCredentials
	}
	call, err := d.client.CreateCall(d.callParams(to, from, url, opts))
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonTelephonyDial)
	}
	if call == nil || call.Sid == nil {
		return "", errorsx.Wrap(errNoCallSID, errorsx.ReasonTelephonyDial)
	}
	return *call.Sid, nil
}

func (d *Dialer) callParams(to, from, url string, opts transports.DialOptions) *api.CreateCallParams {
	if url == "" {
		url = d.cfg.voiceWebhookURL()
	}
	p := (&api.CreateCallParams{}).
		SetTo(to).
		SetFrom(from).
		SetUrl(url).
		SetStatusCallback(d.cfg.statusCallbackURL()).
		SetStatusCallbackEvent([]string{"completed"})
	if digits := strings.TrimSpace(opts.SendDigits); digits != "" {
		p.SetSendDigits(digits)
	}
	if opts.Record {
		p.SetRecord(true)
	}
	return p
}

var _ transports.OutboundDialer = (*Dialer)(nil)
