package sender

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmehdipour/campaign-gateway/internal/util"
)

// SMSDispatcher is satisfied by *dispatcher.Dispatcher.
type SMSDispatcher interface {
	Send(ctx context.Context, sms model.SMS) error
}

type temporary interface {
	Temporary() bool
}

// SMSSender normalizes the recipient number and hands it to the provider
// dispatcher.
type SMSSender struct {
	dispatch    SMSDispatcher
	countryCode string
}

func NewSMSSender(d SMSDispatcher, defaultCountryCode string) *SMSSender {
	return &SMSSender{dispatch: d, countryCode: defaultCountryCode}
}

func (s *SMSSender) Send(ctx context.Context, recipient, content string) error {
	phone := util.NormalizePhone(recipient, s.countryCode)
	if !util.ValidPhone(phone) {
		return &TransportError{
			Channel: model.ChannelSMS, Recipient: recipient, Op: "address",
			Err: fmt.Errorf("invalid phone number %q", recipient),
		}
	}

	if err := s.dispatch.Send(ctx, model.SMS{Phone: phone, Text: content}); err != nil {
		temp := true
		var t temporary
		if errors.As(err, &t) {
			temp = t.Temporary()
		}
		return &TransportError{Channel: model.ChannelSMS, Recipient: phone, Op: "provider", Temporary: temp, Err: err}
	}
	return nil
}
