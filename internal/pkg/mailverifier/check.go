// Copyright (c) 2020-2021, Ctrl IQ, Inc. All rights reserved
// SPDX-License-Identifier: BSD-3-Clause

package mailverifier

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ctrliq/vks/pkg/cert"
	"github.com/ctrliq/vks/pkg/ratelimit"
)

var errDomain = errors.New("email domain not allowed")

// processingFunc represents functions doing basic check on a pending
// identity before a verification mail is sent, it takes the fingerprint
// of the uploaded key and the email of the identity. A non nil error
// skips the identity.
type processingFunc func(cert.Fingerprint, cert.Email, *http.Request) error

// checkDomain checks that the email domain is part of the allowed
// mail identity domains, any domain is allowed when none is configured.
func (m *MailVerifier) checkDomain(_ cert.Fingerprint, email cert.Email, _ *http.Request) error {
	if len(m.config.MailIdentityDomains) == 0 {
		return nil
	}

	domain := email.Domain()
	for _, d := range m.config.MailIdentityDomains {
		if strings.EqualFold(domain, strings.TrimPrefix(d, "@")) {
			return nil
		}
	}

	return fmt.Errorf("%w: %s", errDomain, domain)
}

// checkMailRate limits the number of mails sent to the same address.
func (m *MailVerifier) checkMailRate(_ cert.Fingerprint, email cert.Email, _ *http.Request) error {
	if m.mailLimiter.CheckAndConsume(email.String()) == ratelimit.Denied {
		return fmt.Errorf("%w: mail to %s", ratelimit.ErrRateLimited, email)
	}
	return nil
}
