package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Manager pushes operator notifications to a Slack webhook when a
// consensus run aborts or replica state diverges. Disabled managers are
// no-ops, so callers can fire alerts unconditionally.
type Manager struct {
	enabled      bool
	slackWebhook string
	httpClient   HTTPClient
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func NewManager(enabled bool, slackWebhook string) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

func NewManagerWithClient(enabled bool, slackWebhook string, client HTTPClient) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		httpClient:   client,
	}
}

// SendConsensusAlert reports an aborted consensus run.
func (m *Manager) SendConsensusAlert(ledgerName, code, explanation string) error {
	if !m.enabled || m.slackWebhook == "" {
		return nil
	}

	msg := slackMessage{
		Text: "⚠️ *CONSENSUS ABORTED*",
		Attachments: []slackAttachment{
			{
				Color: "danger",
				Title: "Microledger Consensus Failure",
				Fields: []slackField{
					{Title: "Ledger", Value: ledgerName, Short: true},
					{Title: "Code", Value: code, Short: true},
					{Title: "Explanation", Value: explanation, Short: false},
				},
				Footer: "Microledger Agent",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

// SendDivergenceAlert reports a replica whose state hash does not match
// the agreed one. Divergence means the replicas no longer hold the same
// transaction log and needs operator attention.
func (m *Manager) SendDivergenceAlert(ledgerName, participant, expectedHash, actualHash string) error {
	if !m.enabled || m.slackWebhook == "" {
		return nil
	}

	msg := slackMessage{
		Text: "🚨 *LEDGER STATE DIVERGENCE*",
		Attachments: []slackAttachment{
			{
				Color: "danger",
				Title: "Replica State Hash Mismatch",
				Fields: []slackField{
					{Title: "Ledger", Value: ledgerName, Short: true},
					{Title: "Participant", Value: participant, Short: true},
					{Title: "Expected Hash", Value: expectedHash, Short: false},
					{Title: "Actual Hash", Value: actualHash, Short: false},
				},
				Footer: "Microledger Agent",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

func (m *Manager) sendSlackMessage(msg slackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, m.slackWebhook, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}

	return nil
}
