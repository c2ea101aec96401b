// Package metrics counts reply attempts, provider usage and estimated time
// saved per user. Counters live in memory and reset on restart.
package metrics

import (
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"
)

// Provider names as reported by the reply pipeline.
const (
	ProviderGemini = "gemini"
	ProviderGroq   = "groq"
)

type counters struct {
	attempts     atomic.Int64
	successes    atomic.Int64
	callsGemini  atomic.Int64
	callsGroq    atomic.Int64
	tokensGemini atomic.Int64
	tokensGroq   atomic.Int64
	timeSavedSec atomic.Int64
}

// Snapshot is a point-in-time copy of a user's counters.
type Snapshot struct {
	Attempts         int64
	Successes        int64
	CallsGemini      int64
	CallsGroq        int64
	OutTokensGemini  int64
	OutTokensGroq    int64
	TimeSavedSeconds int64
}

// Calls is the total number of provider calls that produced a reply.
func (s Snapshot) Calls() int64 { return s.CallsGemini + s.CallsGroq }

// SuccessRate is successes/attempts, 0 when nothing was attempted.
func (s Snapshot) SuccessRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Attempts)
}

// Pricing holds per-1K-output-token prices in dollars.
type Pricing struct {
	GeminiPer1K float64
	GroqPer1K   float64
}

// EstimatedCost returns the dollar cost of the snapshot's output tokens,
// rounded to four decimals.
func (s Snapshot) EstimatedCost(p Pricing) float64 {
	cost := float64(s.OutTokensGemini)/1000*p.GeminiPer1K + float64(s.OutTokensGroq)/1000*p.GroqPer1K
	return math.Round(cost*10000) / 10000
}

// Meter holds counters for every user that has been metered.
// It is safe for concurrent use.
type Meter struct {
	mu    sync.Mutex
	users map[string]*counters
}

// NewMeter returns an empty Meter.
func NewMeter() *Meter {
	return &Meter{users: make(map[string]*counters)}
}

func (m *Meter) get(userID string) *counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.users[userID]
	if !ok {
		c = &counters{}
		m.users[userID] = c
	}
	return c
}

// IncAttempt records that the pipeline tried to answer a message.
func (m *Meter) IncAttempt(userID string) { m.get(userID).attempts.Add(1) }

// IncSuccess records that a reply was delivered.
func (m *Meter) IncSuccess(userID string) { m.get(userID).successes.Add(1) }

// AddUsage records one provider call. Negative amounts count as zero; an
// unknown provider only contributes time saved.
func (m *Meter) AddUsage(userID, provider string, outputTokens, timeSavedSeconds int64) {
	c := m.get(userID)
	outputTokens = max(outputTokens, 0)
	timeSavedSeconds = max(timeSavedSeconds, 0)
	switch provider {
	case ProviderGemini:
		c.callsGemini.Add(1)
		c.tokensGemini.Add(outputTokens)
	case ProviderGroq:
		c.callsGroq.Add(1)
		c.tokensGroq.Add(outputTokens)
	}
	c.timeSavedSec.Add(timeSavedSeconds)
}

// Snapshot returns the user's counters; unknown users read as zero.
func (m *Meter) Snapshot(userID string) Snapshot {
	m.mu.Lock()
	c, ok := m.users[userID]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}
	}
	return Snapshot{
		Attempts:         c.attempts.Load(),
		Successes:        c.successes.Load(),
		CallsGemini:      c.callsGemini.Load(),
		CallsGroq:        c.callsGroq.Load(),
		OutTokensGemini:  c.tokensGemini.Load(),
		OutTokensGroq:    c.tokensGroq.Load(),
		TimeSavedSeconds: c.timeSavedSec.Load(),
	}
}

// TimeSaved estimates the seconds a human would have spent typing text, at
// 1.5 words per second with a floor of one word.
func TimeSaved(text string) int64 {
	words := max(len(strings.Fields(text)), 1)
	return int64(math.Round(float64(words) / 1.5))
}

// OutputTokens estimates the output token count of a reply at four
// characters per token, rounded up.
func OutputTokens(text string) int64 {
	return int64(math.Ceil(float64(utf8.RuneCountInString(text)) / 4))
}
