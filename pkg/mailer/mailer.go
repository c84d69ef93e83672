// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 The procflow Authors
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mailer sends external-customer notifications over SMTP.
package mailer

import (
	"fmt"
	"log/slog"
	"net/smtp"
	"net/url"
	"strings"
)

// Mailer sends form links to external customers.
type Mailer struct {
	host     string
	port     string
	username string
	password string
	from     string
	baseURL  string
	logger   *slog.Logger

	// send is swappable for tests.
	send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// New creates a Mailer. baseURL is the public root of the external form UI.
func New(host, port, username, password, from, baseURL string) *Mailer {
	return &Mailer{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		logger:   slog.Default().With("component", "mailer"),
		send:     smtp.SendMail,
	}
}

// FormURL builds the external form link for a work item.
func (m *Mailer) FormURL(defID, activityID, instanceID string) string {
	params := url.Values{}
	params.Set("process_definition_id", defID)
	params.Set("activity_id", activityID)
	params.Set("process_instance_id", instanceID)
	return fmt.Sprintf("%s/external-forms?%s", m.baseURL, params.Encode())
}

// SendFormLink emails an external customer the link to an activity's form.
func (m *Mailer) SendFormLink(to, activityName, defID, activityID, instanceID string) error {
	if m.host == "" {
		m.logger.Warn("SMTP not configured, skipping mail", "to", to)
		return nil
	}

	link := m.FormURL(defID, activityID, instanceID)
	subject := fmt.Sprintf("Action required: %s", activityName)
	body := fmt.Sprintf(
		"A process step is waiting for your input.\r\n\r\n"+
			"Step: %s\r\nOpen the form here: %s\r\n", activityName, link)

	msg := strings.Join([]string{
		"From: " + m.from,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		`Content-Type: text/plain; charset="utf-8"`,
		"",
		body,
	}, "\r\n")

	var auth smtp.Auth
	if m.username != "" {
		auth = smtp.PlainAuth("", m.username, m.password, m.host)
	}

	addr := m.host + ":" + m.port
	if err := m.send(addr, auth, m.from, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("failed to send mail to %s: %w", to, err)
	}

	m.logger.Info("Sent external form link", "to", to, "activity", activityID)
	return nil
}
