package upstream

import (
	"context"
	"fmt"
	"sync"
)

// Fake is a scripted in-memory Client. Tests seed channel history, queue
// failures, and inspect recorded calls. All methods are safe for concurrent
// use.
type Fake struct {
	mu sync.Mutex

	connected   bool
	connectErrs []error
	closeErr    error

	codeHash    string
	sendCodeErr error
	signInErr   error

	history    map[int64][]Message
	fetchErrs  []error
	resolve    map[string]ChannelInfo
	resolveErr error

	// Recorded calls, in order.
	ConnectCalls int
	CloseCalls   int
	FetchCalls   []FetchRequest
	SignInCalls  []SignInCall
}

// SignInCall records one SignIn invocation.
type SignInCall struct {
	Phone    string
	Code     string
	CodeHash string
	Password string
}

// NewFake returns an empty fake with a default code hash.
func NewFake() *Fake {
	return &Fake{
		codeHash: "fake-code-hash",
		history:  make(map[int64][]Message),
		resolve:  make(map[string]ChannelInfo),
	}
}

// Seed appends messages to a channel's scripted history. Messages must be
// provided in ascending id order.
func (f *Fake) Seed(channelID int64, msgs ...Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[channelID] = append(f.history[channelID], msgs...)
}

// FailNextConnect queues errors returned by upcoming Connect calls, one per
// call, before any success.
func (f *Fake) FailNextConnect(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErrs = append(f.connectErrs, errs...)
}

// FailNextFetch queues errors returned by upcoming FetchMessages calls, one
// per call, before any scripted history is served.
func (f *Fake) FailNextFetch(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErrs = append(f.fetchErrs, errs...)
}

// SetAuth scripts the code hash and auth-step errors.
func (f *Fake) SetAuth(codeHash string, sendCodeErr, signInErr error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if codeHash != "" {
		f.codeHash = codeHash
	}
	f.sendCodeErr = sendCodeErr
	f.signInErr = signInErr
}

// SetResolve scripts the result of ResolveChannel for a username.
func (f *Fake) SetResolve(username string, info ChannelInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolve[username] = info
}

// SetResolveErr makes every ResolveChannel call fail.
func (f *Fake) SetResolveErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveErr = err
}

// SetCloseErr makes every Close call fail.
func (f *Fake) SetCloseErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeErr = err
}

func (f *Fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ConnectCalls++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		return err
	}
	f.connected = true
	return nil
}

func (f *Fake) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CloseCalls++
	f.connected = false
	return f.closeErr
}

func (f *Fake) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) SendCode(ctx context.Context, phone string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendCodeErr != nil {
		return "", f.sendCodeErr
	}
	return f.codeHash, nil
}

func (f *Fake) SignIn(ctx context.Context, phone, code, codeHash, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SignInCalls = append(f.SignInCalls, SignInCall{Phone: phone, Code: code, CodeHash: codeHash, Password: password})
	return f.signInErr
}

// FetchMessages serves the scripted history window: ids strictly greater
// than req.OffsetID, ascending, at most req.Limit. Queued fetch errors are
// consumed first.
func (f *Fake) FetchMessages(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FetchCalls = append(f.FetchCalls, req)
	if !f.connected {
		return nil, fmt.Errorf("fake upstream: fetch on disconnected client")
	}
	if len(f.fetchErrs) > 0 {
		err := f.fetchErrs[0]
		f.fetchErrs = f.fetchErrs[1:]
		return nil, err
	}
	res := &FetchResult{}
	for _, m := range f.history[req.ChannelID] {
		if m.ID <= req.OffsetID {
			continue
		}
		res.Messages = append(res.Messages, m)
		if req.Limit > 0 && len(res.Messages) >= req.Limit {
			break
		}
	}
	return res, nil
}

func (f *Fake) ResolveChannel(ctx context.Context, username string) (*ChannelInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	info, ok := f.resolve[username]
	if !ok {
		return nil, fmt.Errorf("fake upstream: unknown username %q", username)
	}
	return &info, nil
}
