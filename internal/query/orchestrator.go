// Package query runs one question against the active dataset at a time and
// records both sides of the exchange in the conversation.
package query

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/KaramelBytes/datadash-cli/internal/model"
	"github.com/KaramelBytes/datadash-cli/internal/session"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// FallbackMessage is recorded as the assistant reply when a query fails.
const FallbackMessage = "Sorry, something went wrong. Please try again."

// SuggestedQuestions are offered when the conversation is empty.
var SuggestedQuestions = []string{
	"Which product had the highest total revenue?",
	"What is the average revenue per transaction?",
	"Which region performed the best?",
	"What is the best selling category?",
	"What is the total revenue across all transactions?",
}

var (
	ErrBlankQuestion = errors.New("question is empty")
	ErrBusy          = errors.New("a question is already being answered")
	ErrNoDataset     = session.ErrNoDataset
)

// Client answers a question about a dataset.
type Client interface {
	Query(ctx context.Context, token string, req model.QueryRequest) (string, error)
}

// Conversation is the slice of session state the orchestrator needs.
type Conversation interface {
	Conversation() (datasetID string, epoch uint64, history []model.Message, err error)
	AppendMessageAt(epoch uint64, m model.Message) error
}

// TokenSource supplies the bearer token, if any.
type TokenSource interface {
	Token() string
}

// Orchestrator submits questions one at a time. It is safe for concurrent
// use; overlapping submissions are refused with ErrBusy.
type Orchestrator struct {
	client Client
	conv   Conversation
	tokens TokenSource
	log    *zap.Logger

	sem *semaphore.Weighted

	mu      sync.Mutex
	pending string
}

// NewOrchestrator returns an Orchestrator recording into conv. A nil log
// discards output.
func NewOrchestrator(client Client, conv Conversation, tokens TokenSource, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		client: client,
		conv:   conv,
		tokens: tokens,
		log:    log.Named("query"),
		sem:    semaphore.NewWeighted(1),
	}
}

// Pending returns the question currently awaiting its answer.
func (o *Orchestrator) Pending() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending, o.pending != ""
}

// Submit appends question to the conversation, asks the endpoint and
// appends the answer. Endpoint failures are not returned: the fallback
// message is recorded as the answer instead. The returned message is the
// assistant entry that was appended.
//
// Submit refuses blank questions, a second submission while one is in
// flight, and submissions without an active dataset. If the dataset is
// replaced before the answer arrives, the answer is dropped and
// session.ErrConversationReplaced is returned.
func (o *Orchestrator) Submit(ctx context.Context, question string) (model.Message, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return model.Message{}, ErrBlankQuestion
	}
	if !o.sem.TryAcquire(1) {
		return model.Message{}, ErrBusy
	}
	defer o.sem.Release(1)

	datasetID, epoch, history, err := o.conv.Conversation()
	if err != nil {
		return model.Message{}, err
	}
	if err := o.conv.AppendMessageAt(epoch, model.Message{Role: model.RoleUser, Content: question}); err != nil {
		return model.Message{}, err
	}

	o.setPending(question)
	defer o.setPending("")

	token := ""
	if o.tokens != nil {
		token = o.tokens.Token()
	}
	reply := model.Message{Role: model.RoleAssistant}
	answer, err := o.client.Query(ctx, token, model.QueryRequest{
		DatasetID: datasetID,
		Question:  question,
		History:   history,
	})
	if err != nil {
		o.log.Warn("query failed", zap.String("dataset_id", datasetID), zap.Error(err))
		reply.Content = FallbackMessage
	} else {
		reply.Content = answer
	}

	err = o.conv.AppendMessageAt(epoch, reply)
	if errors.Is(err, session.ErrConversationReplaced) {
		o.log.Info("dropping answer for replaced conversation", zap.String("dataset_id", datasetID))
		return model.Message{}, err
	}
	if err != nil && reply.Content != FallbackMessage {
		// The question is already recorded; try to close it with the
		// fallback rather than leave it unanswered.
		o.log.Error("recording answer failed", zap.String("dataset_id", datasetID), zap.Error(err))
		reply.Content = FallbackMessage
		err = o.conv.AppendMessageAt(epoch, reply)
	}
	if err != nil {
		o.log.Error("question left unanswered", zap.String("dataset_id", datasetID), zap.Error(err))
		return model.Message{}, err
	}
	return reply, nil
}

func (o *Orchestrator) setPending(q string) {
	o.mu.Lock()
	o.pending = q
	o.mu.Unlock()
}
