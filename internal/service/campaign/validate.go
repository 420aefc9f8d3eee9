package campaign

import (
	"strings"
	"unicode/utf8"

	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmehdipour/campaign-gateway/internal/util"
)

const (
	maxNameLen       = 200
	maxRecipients    = 10000
	maxSMSContentLen = 1600
)

func validateName(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", invalid("name", "required")
	}
	if utf8.RuneCountInString(s) > maxNameLen {
		return "", invalid("name", "longer than %d characters", maxNameLen)
	}
	return s, nil
}

func validateChannel(s string) (model.Channel, error) {
	ch, ok := model.ParseChannel(s)
	if !ok {
		return "", invalid("channel", "must be email or sms")
	}
	return ch, nil
}

func validateContent(ch model.Channel, s string) (string, error) {
	if strings.TrimSpace(s) == "" {
		return "", invalid("content", "required")
	}
	if ch == model.ChannelSMS && utf8.RuneCountInString(s) > maxSMSContentLen {
		return "", invalid("content", "sms content longer than %d characters", maxSMSContentLen)
	}
	return s, nil
}

// normalizeRecipients returns the list in its sending form. Order is kept and
// duplicates are not removed.
func normalizeRecipients(ch model.Channel, in []string, countryCode string) ([]string, error) {
	if len(in) == 0 {
		return nil, invalid("recipients", "at least one recipient required")
	}
	if len(in) > maxRecipients {
		return nil, invalid("recipients", "more than %d recipients", maxRecipients)
	}

	out := make([]string, 0, len(in))
	for i, raw := range in {
		switch ch {
		case model.ChannelEmail:
			addr, ok := util.NormalizeEmail(raw)
			if !ok {
				return nil, invalid("recipients", "entry %d: invalid email address %q", i, raw)
			}
			out = append(out, addr)
		case model.ChannelSMS:
			phone := util.NormalizePhone(raw, countryCode)
			if !util.ValidPhone(phone) {
				return nil, invalid("recipients", "entry %d: invalid phone number %q", i, raw)
			}
			out = append(out, phone)
		}
	}
	return out, nil
}
