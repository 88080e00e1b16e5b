// Package handlers holds the worker-side event handlers: slash-command
// processing and the guild/member lifecycle writers. Each handler is
// registered with the dispatch pipeline under its rate-limit action.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/guildcore/backend/internal/agentgw"
	"github.com/guildcore/backend/internal/chain"
	"github.com/guildcore/backend/internal/envelope"
	"github.com/guildcore/backend/internal/faults"
	"github.com/guildcore/backend/internal/ledger"
	"github.com/guildcore/backend/internal/tenant"
)

// Responder delivers the command result back to the interaction. The
// token is single-use and expires upstream; failures to respond are
// transient so the dispatcher redelivers inside the token's lifetime.
type Responder interface {
	Respond(ctx context.Context, interactionID, token, content string) error
}

// DiscordResponder posts interaction callbacks to the Discord REST API.
type DiscordResponder struct {
	baseURL string
	client  *http.Client
}

// NewDiscordResponder creates a responder against baseURL (the Discord
// API root, overridable for tests).
func NewDiscordResponder(baseURL string) *DiscordResponder {
	return &DiscordResponder{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Respond sends a type-4 (channel message) interaction callback.
func (d *DiscordResponder) Respond(ctx context.Context, interactionID, token, content string) error {
	body, err := json.Marshal(map[string]interface{}{
		"type": 4,
		"data": map[string]string{"content": content},
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/interactions/%s/%s/callback", d.baseURL, interactionID, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return faults.Transient("interaction_callback", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return faults.Transient("interaction_callback", fmt.Errorf("callback status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		// Token expired or already acknowledged. Retrying cannot help.
		return faults.Policy("interaction_rejected", fmt.Sprintf("callback status %d", resp.StatusCode))
	}
	return nil
}

// interactionPayload is the partial decode of an INTERACTION_CREATE
// dispatch: just enough to route the command and answer it.
type interactionPayload struct {
	ID      string `json:"id"`
	Token   string `json:"token"`
	GuildID string `json:"guild_id"`
	Member  struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
	} `json:"member"`
	Data struct {
		Name    string `json:"name"`
		Options []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"options"`
	} `json:"data"`
}

func (p *interactionPayload) option(name string) string {
	for _, o := range p.Data.Options {
		if o.Name == name {
			return o.Value
		}
	}
	return ""
}

// Interactions executes slash commands. Balance reads the credit
// ledger, ask streams a model invocation, verify checks on-chain
// holdings.
type Interactions struct {
	ledger    *ledger.Engine
	agents    *agentgw.Gateway
	chain     *chain.Reader
	responder Responder
	poolID    string
	logger    *log.Logger
}

// NewInteractions wires the command handler.
func NewInteractions(eng *ledger.Engine, agents *agentgw.Gateway, reader *chain.Reader, responder Responder, poolID string) *Interactions {
	return &Interactions{
		ledger:    eng,
		agents:    agents,
		chain:     reader,
		responder: responder,
		poolID:    poolID,
		logger:    log.New(log.Writer(), "[COMMANDS] ", log.LstdFlags),
	}
}

// Handle decodes the interaction and routes the command. Unknown
// commands get a polite reply rather than an error; the event is done.
func (h *Interactions) Handle(ctx context.Context, env *envelope.Envelope, com *tenant.Community) error {
	var p interactionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return faults.Wrap(faults.KindIntegrity, "bad_interaction_payload", "interaction payload does not decode", err)
	}
	if p.ID == "" || p.Token == "" {
		return faults.Integrity("bad_interaction_payload", "interaction missing id or token")
	}

	var content string
	var err error
	switch p.Data.Name {
	case "balance":
		content, err = h.balance(ctx, com)
	case "ask":
		content, err = h.ask(ctx, &p, com)
	case "verify":
		content, err = h.verify(ctx, &p)
	default:
		content = fmt.Sprintf("Unknown command `/%s`.", p.Data.Name)
	}
	if err != nil {
		if faults.IsRetryable(err) {
			return err
		}
		// Terminal failures still answer the user before the outcome is
		// recorded; the reply is generic, detail stays in logs.
		h.logger.Printf("❌ /%s failed for %s: %v", p.Data.Name, env.SubjectKey, err)
		content = replyFor(err)
	}

	if rerr := h.responder.Respond(ctx, p.ID, p.Token, content); rerr != nil {
		return rerr
	}
	return err
}

func (h *Interactions) balance(ctx context.Context, com *tenant.Community) (string, error) {
	if com == nil {
		return "", faults.NotFound("unknown_tenant", "balance requires a guild context")
	}
	bal, err := h.ledger.Balance(ctx, com.ID, h.poolID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("💰 Balance: %s available, %s reserved, %s consumed",
		ledger.FormatMicro(bal.AvailableMicro),
		ledger.FormatMicro(bal.ReservedMicro),
		ledger.FormatMicro(bal.ConsumedMicro)), nil
}

// ask runs one platform-budget invocation and returns the collected
// model output. The dispatcher's external lock TTL covers the stream.
func (h *Interactions) ask(ctx context.Context, p *interactionPayload, com *tenant.Community) (string, error) {
	if h.agents == nil {
		return "Agent commands are not available on this deployment.", nil
	}
	if com == nil {
		return "", faults.NotFound("unknown_tenant", "ask requires a guild context")
	}
	prompt := p.option("prompt")
	if prompt == "" {
		return "Ask needs a prompt.", nil
	}
	alias := p.option("model")
	if alias == "" {
		alias = "fast"
	}

	messages, err := json.Marshal([]map[string]string{{"role": "user", "content": prompt}})
	if err != nil {
		return "", err
	}

	sink := &textSink{}
	result, err := h.agents.Invoke(ctx, agentgw.InvokeParams{
		TenantID: com.ID,
		UserID:   p.Member.User.ID,
		PoolID:   h.poolID,
		Alias:    alias,
		Mode:     agentgw.ModePlatformBudget,
		Messages: messages,
	}, sink)
	if err != nil {
		return "", err
	}

	h.logger.Printf("✅ /ask answered for %s (cost=%s)", com.ID, ledger.FormatMicro(result.CostMicro))
	return sink.String(), nil
}

func (h *Interactions) verify(ctx context.Context, p *interactionPayload) (string, error) {
	if h.chain == nil {
		return "On-chain verification is not configured.", nil
	}
	walletHex := p.option("wallet")
	if !common.IsHexAddress(walletHex) {
		return "Verify needs a valid wallet address.", nil
	}
	var token common.Address
	if tokenHex := p.option("token"); tokenHex != "" {
		if !common.IsHexAddress(tokenHex) {
			return "Token address is not valid.", nil
		}
		token = common.HexToAddress(tokenHex)
	}

	elig, err := h.chain.CheckEligibility(ctx, token, common.HexToAddress(walletHex), minVerifyBalance)
	if err != nil {
		return "", err
	}
	if elig.Eligible {
		return "🔑 Verified: wallet meets the holding requirement.", nil
	}
	return "Wallet does not meet the holding requirement.", nil
}

// minVerifyBalance is one whole token at 18 decimals.
var minVerifyBalance = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// replyFor maps terminal faults onto the user-facing sentence. Codes
// and detail never leak to chat.
func replyFor(err error) string {
	f := faults.As(err)
	if f == nil {
		return "Something went wrong. Please try again later."
	}
	switch f.Code {
	case "budget_exceeded", "insufficient_funds":
		return "Not enough credits for that. Top up and try again."
	case "unknown_model_alias":
		return "That model is not available here."
	case "unknown_tenant":
		return "This server is not registered yet."
	default:
		return "Something went wrong. Please try again later."
	}
}

// textSink collects delta frames into the final reply.
type textSink struct {
	buf bytes.Buffer
}

type deltaFrame struct {
	Text string `json:"text"`
}

func (s *textSink) Send(eventType string, data []byte) error {
	if eventType != agentgw.EventMessageDelta {
		return nil
	}
	var d deltaFrame
	if err := json.Unmarshal(data, &d); err != nil {
		return nil
	}
	s.buf.WriteString(d.Text)
	return nil
}

func (s *textSink) String() string {
	if s.buf.Len() == 0 {
		return "(no output)"
	}
	return s.buf.String()
}
