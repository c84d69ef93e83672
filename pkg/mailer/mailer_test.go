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

package mailer

import (
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormURL(t *testing.T) {
	m := New("smtp.example.com", "587", "", "", "noreply@example.com", "https://app.example.com/")
	got := m.FormURL("order", "A 1", "order.i1")
	assert.Equal(t,
		"https://app.example.com/external-forms?activity_id=A+1&process_definition_id=order&process_instance_id=order.i1",
		got)
}

func TestSendFormLink(t *testing.T) {
	m := New("smtp.example.com", "587", "mailer", "secret", "noreply@example.com", "https://app.example.com")

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg string
	var gotAuth smtp.Auth
	m.send = func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotAuth, gotFrom, gotTo, gotMsg = addr, auth, from, to, string(msg)
		return nil
	}

	require.NoError(t, m.SendFormLink("customer@example.com", "Confirm Order", "order", "A", "order.i1"))

	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.NotNil(t, gotAuth)
	assert.Equal(t, "noreply@example.com", gotFrom)
	assert.Equal(t, []string{"customer@example.com"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: Action required: Confirm Order")
	assert.Contains(t, gotMsg, m.FormURL("order", "A", "order.i1"))
}

func TestSendFormLinkWithoutAuth(t *testing.T) {
	m := New("smtp.example.com", "25", "", "", "noreply@example.com", "https://app.example.com")

	var gotAuth smtp.Auth = smtp.PlainAuth("", "x", "x", "x")
	m.send = func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
		gotAuth = auth
		return nil
	}

	require.NoError(t, m.SendFormLink("customer@example.com", "Confirm", "order", "A", "order.i1"))
	assert.Nil(t, gotAuth)
}

func TestSendFormLinkSkipsWithoutHost(t *testing.T) {
	m := New("", "587", "", "", "noreply@example.com", "https://app.example.com")

	called := false
	m.send = func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
		called = true
		return nil
	}

	require.NoError(t, m.SendFormLink("customer@example.com", "Confirm", "order", "A", "order.i1"))
	assert.False(t, called)
}
