package reply

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Martian-dev/mailbridge/internal/model"
)

func TestRouterRoute(t *testing.T) {
	rules := []Rule{
		{Recipient: "me@school.edu", Provider: model.ProviderOutlook},
		{SenderDomain: "school.edu", Provider: model.ProviderOutlook},
		{Tag: "personal", Provider: model.ProviderGmail},
		{Tag: "SCHOOL_FWD", Provider: model.ProviderOutlook},
	}
	r := NewRouter(rules, model.ProviderGmail, model.ProviderGmail, model.ProviderOutlook)

	tests := []struct {
		name string
		msg  model.Message
		want model.Provider
	}{
		{
			name: "tag",
			msg:  model.Message{Provider: model.ProviderGmail, Tags: []string{"SCHOOL_FWD"}},
			want: model.ProviderOutlook,
		},
		{
			name: "tag beats sender domain",
			msg:  model.Message{Provider: model.ProviderOutlook, FromEmail: "prof@cs.school.edu", Tags: []string{"personal"}},
			want: model.ProviderGmail,
		},
		{
			name: "sender subdomain",
			msg:  model.Message{Provider: model.ProviderGmail, FromEmail: "Prof <prof@cs.school.edu>"},
			want: model.ProviderOutlook,
		},
		{
			name: "lookalike domain does not match",
			msg:  model.Message{Provider: model.ProviderGmail, FromEmail: "x@notschool.edu"},
			want: model.ProviderGmail,
		},
		{
			name: "recipient",
			msg:  model.Message{Provider: model.ProviderGmail, FromEmail: "a@b.com", To: []string{"ME@school.edu"}},
			want: model.ProviderOutlook,
		},
		{
			name: "own provider",
			msg:  model.Message{Provider: model.ProviderOutlook, FromEmail: "a@b.com"},
			want: model.ProviderOutlook,
		},
		{
			name: "fallback",
			msg:  model.Message{FromEmail: "a@b.com"},
			want: model.ProviderGmail,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Route(&tt.msg))
		})
	}
}

func TestRouterIgnoresDisabledProviders(t *testing.T) {
	r := NewRouter([]Rule{{Tag: "SCHOOL_FWD", Provider: model.ProviderOutlook}}, model.ProviderGmail, model.ProviderGmail)
	msg := &model.Message{Provider: model.ProviderOutlook, Tags: []string{"SCHOOL_FWD"}}
	assert.Equal(t, model.ProviderGmail, r.Route(msg))
}
