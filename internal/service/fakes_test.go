package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"vpn-shop-bot/internal/model"
	"vpn-shop-bot/internal/panel"
	"vpn-shop-bot/internal/pkg/lock"
	"vpn-shop-bot/internal/repository"
)

// memDB is an in-memory stand-in for the PostgreSQL schema. Each store method
// holds the lock for its whole body, matching the one-statement atomicity of
// the real repositories.
type memDB struct {
	mu          sync.Mutex
	users       map[int64]*model.User
	txs         map[int64]*model.Transaction
	discounts   map[string]*model.DiscountCode
	redemptions map[string]bool
	cards       map[int64]*model.BankCard
	admins      []model.PaymentAdminAssignment
	plans       map[int64]*model.Plan
	servers     map[int64]*model.Server
	accounts    map[int64]*model.RemoteAccount
	jobs        map[int64]*model.ProvisioningJob
	cleanup     map[int64]*model.CleanupTask
	seq         int64
}

func newMemDB() *memDB {
	return &memDB{
		users:       make(map[int64]*model.User),
		txs:         make(map[int64]*model.Transaction),
		discounts:   make(map[string]*model.DiscountCode),
		redemptions: make(map[string]bool),
		cards:       make(map[int64]*model.BankCard),
		plans:       make(map[int64]*model.Plan),
		servers:     make(map[int64]*model.Server),
		accounts:    make(map[int64]*model.RemoteAccount),
		jobs:        make(map[int64]*model.ProvisioningJob),
		cleanup:     make(map[int64]*model.CleanupTask),
	}
}

func (db *memDB) nextID() int64 {
	db.seq++
	return db.seq
}

func clone[T any](v *T) *T {
	c := *v
	return &c
}

// Seeding helpers.

func (db *memDB) addUser(id int64, username string, balance int64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.users[id] = &model.User{TelegramID: id, Username: username, Balance: balance}
}

func (db *memDB) balance(id int64) int64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.users[id].Balance
}

func (db *memDB) addPlan(price int64, days int, gb int64) *model.Plan {
	db.mu.Lock()
	defer db.mu.Unlock()
	p := &model.Plan{ID: db.nextID(), Name: fmt.Sprintf("plan-%d", days), DurationDays: days, TrafficGB: gb, Price: price, IsActive: true}
	db.plans[p.ID] = p
	return clone(p)
}

func (db *memDB) addServer(name string) *model.Server {
	db.mu.Lock()
	defer db.mu.Unlock()
	s := &model.Server{ID: db.nextID(), Name: name, InboundID: 1, LinkHost: name + ".example.com", LinkPort: 443, Protocol: "vless", IsActive: true}
	db.servers[s.ID] = s
	return clone(s)
}

func (db *memDB) addCard(priority int) *model.BankCard {
	db.mu.Lock()
	defer db.mu.Unlock()
	c := &model.BankCard{ID: db.nextID(), BankName: "bank", CardNumber: "6037000000000000", Holder: "holder", IsActive: true, Priority: priority}
	db.cards[c.ID] = c
	return clone(c)
}

func (db *memDB) addDiscount(d model.DiscountCode) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if d.Status == "" {
		d.Status = model.DiscountActive
	}
	db.discounts[d.Code] = &d
}

func (db *memDB) account(id int64) *model.RemoteAccount {
	db.mu.Lock()
	defer db.mu.Unlock()
	return clone(db.accounts[id])
}

func (db *memDB) accountsByTx(txID int64) []*model.RemoteAccount {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []*model.RemoteAccount
	for _, a := range db.accounts {
		if a.TransactionID == txID {
			out = append(out, clone(a))
		}
	}
	return out
}

// redeemLocked mirrors the claim-then-conditional-increment statement pair.
func (db *memDB) redeemLocked(code string, txID int64) (bool, error) {
	d, ok := db.discounts[code]
	if !ok {
		return false, repository.ErrDiscountNotFound
	}
	key := fmt.Sprintf("%s|%d", code, txID)
	if db.redemptions[key] {
		return false, nil
	}
	if d.Status != model.DiscountActive || (d.MaxUses != nil && d.CurrentUses >= *d.MaxUses) {
		return false, repository.ErrDiscountExhausted
	}
	db.redemptions[key] = true
	d.CurrentUses++
	return true, nil
}

type memUsers struct{ db *memDB }

func (s memUsers) GetByID(_ context.Context, id int64) (*model.User, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	u, ok := s.db.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return clone(u), nil
}

func (s memUsers) GetOrCreate(_ context.Context, id int64, username string) (*model.User, bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if u, ok := s.db.users[id]; ok {
		return clone(u), false, nil
	}
	u := &model.User{TelegramID: id, Username: username}
	s.db.users[id] = u
	return clone(u), true, nil
}

func (s memUsers) UpdateUsername(_ context.Context, id int64, username string) error {
	return s.update(id, func(u *model.User) { u.Username = username })
}

func (s memUsers) SetBanned(_ context.Context, id int64, banned bool) error {
	return s.update(id, func(u *model.User) { u.IsBanned = banned })
}

func (s memUsers) SetAdmin(_ context.Context, id int64, admin bool) error {
	return s.update(id, func(u *model.User) { u.IsAdmin = admin })
}

func (s memUsers) update(id int64, fn func(*model.User)) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	u, ok := s.db.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	fn(u)
	return nil
}

type memTxs struct{ db *memDB }

func (s memTxs) Create(_ context.Context, t *model.Transaction) (*model.Transaction, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	created := clone(t)
	created.ID = s.db.nextID()
	created.Status = model.StatusPending
	created.CreatedAt = time.Now()
	if t.DiscountCode != nil {
		if _, err := s.db.redeemLocked(*t.DiscountCode, created.ID); err != nil {
			return nil, err
		}
	}
	s.db.txs[created.ID] = created
	return clone(created), nil
}

func (s memTxs) get(id int64) (*model.Transaction, error) {
	t, ok := s.db.txs[id]
	if !ok {
		return nil, repository.ErrTransactionNotFound
	}
	return t, nil
}

func (s memTxs) GetByID(_ context.Context, id int64) (*model.Transaction, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	t, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return clone(t), nil
}

func (s memTxs) GetByGatewayRef(_ context.Context, ref string) (*model.Transaction, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, t := range s.db.txs {
		if t.GatewayRef != nil && *t.GatewayRef == ref {
			return clone(t), nil
		}
	}
	return nil, repository.ErrTransactionNotFound
}

func (s memTxs) ListByUser(_ context.Context, userID int64, limit int) ([]*model.Transaction, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []*model.Transaction
	for _, t := range s.db.txs {
		if t.UserID == userID {
			out = append(out, clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s memTxs) MarkPendingVerification(_ context.Context, id int64, receiptRef string) (*model.Transaction, bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	t, err := s.get(id)
	if err != nil {
		return nil, false, err
	}
	if !t.Status.CanTransition(model.StatusPendingVerification) {
		return clone(t), false, nil
	}
	t.Status = model.StatusPendingVerification
	t.ReceiptRef = &receiptRef
	return clone(t), true, nil
}

func (s memTxs) AttachGatewayRef(_ context.Context, id int64, ref string) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	t, ok := s.db.txs[id]
	if !ok || t.Status.IsTerminal() || (t.GatewayRef != nil && *t.GatewayRef != ref) {
		return false, nil
	}
	t.GatewayRef = &ref
	return true, nil
}

func (s memTxs) Complete(_ context.Context, id int64) (*model.Transaction, bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	t, err := s.get(id)
	if err != nil {
		return nil, false, err
	}
	if !t.Status.CanTransition(model.StatusCompleted) {
		return clone(t), false, nil
	}

	u, ok := s.db.users[t.UserID]
	if !ok {
		return nil, false, repository.ErrUserNotFound
	}
	switch {
	case t.Kind == model.KindDeposit:
		u.Balance += t.Amount
	case t.Kind == model.KindPurchase && t.Method == model.MethodWallet:
		if u.Balance < t.FinalAmount {
			return nil, false, repository.ErrInsufficientFunds
		}
		u.Balance -= t.FinalAmount
	}
	if t.Kind == model.KindPurchase {
		if _, ok := s.db.jobs[t.ID]; !ok {
			s.db.jobs[t.ID] = &model.ProvisioningJob{TransactionID: t.ID, CreatedAt: time.Now()}
		}
	}

	now := time.Now()
	t.Status = model.StatusCompleted
	t.CompletedAt = &now
	return clone(t), true, nil
}

func (s memTxs) Close(_ context.Context, id int64, to model.Status, reason *string) (*model.Transaction, bool, error) {
	if to != model.StatusRejected && to != model.StatusCancelled {
		return nil, false, errors.New("unsupported target status")
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	t, err := s.get(id)
	if err != nil {
		return nil, false, err
	}
	if !t.Status.CanTransition(to) {
		return clone(t), false, nil
	}
	now := time.Now()
	t.Status = to
	if reason != nil {
		t.Reason = reason
	}
	if to == model.StatusRejected {
		t.RejectedAt = &now
	} else {
		t.CancelledAt = &now
	}
	return clone(t), true, nil
}

func (s memTxs) ListCompletedPurchasesWithoutAccount(_ context.Context, limit int) ([]int64, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []int64
	for _, t := range s.db.txs {
		if t.Kind != model.KindPurchase || t.Status != model.StatusCompleted {
			continue
		}
		found := false
		for _, a := range s.db.accounts {
			if a.TransactionID == t.ID {
				found = true
				break
			}
		}
		if !found {
			out = append(out, t.ID)
		}
	}
	slices.Sort(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memDiscounts struct{ db *memDB }

func (s memDiscounts) Get(_ context.Context, code string) (*model.DiscountCode, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	d, ok := s.db.discounts[code]
	if !ok {
		return nil, repository.ErrDiscountNotFound
	}
	return clone(d), nil
}

func (s memDiscounts) Redeem(_ context.Context, code string, txID int64) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.db.redeemLocked(code, txID)
}

type memCards struct{ db *memDB }

func (s memCards) ListActive(_ context.Context) ([]*model.BankCard, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []*model.BankCard
	for _, c := range s.db.cards {
		if c.IsActive {
			out = append(out, clone(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s memCards) GetByID(_ context.Context, id int64) (*model.BankCard, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	c, ok := s.db.cards[id]
	if !ok {
		return nil, repository.ErrBankCardNotFound
	}
	return clone(c), nil
}

func (s memCards) TouchLastUsed(_ context.Context, id int64, prev *time.Time, now time.Time) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	c, ok := s.db.cards[id]
	if !ok {
		return false, nil
	}
	same := (c.LastUsedAt == nil && prev == nil) ||
		(c.LastUsedAt != nil && prev != nil && c.LastUsedAt.Equal(*prev))
	if !same {
		return false, nil
	}
	c.LastUsedAt = &now
	return true, nil
}

type memAdmins struct{ db *memDB }

func (s memAdmins) GetByCard(_ context.Context, cardID int64) (*model.PaymentAdminAssignment, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var best *model.PaymentAdminAssignment
	for i := range s.db.admins {
		a := s.db.admins[i]
		if a.BankCardID != nil && *a.BankCardID == cardID && (best == nil || a.AdminID < best.AdminID) {
			best = &a
		}
	}
	if best == nil {
		return nil, repository.ErrAssignmentNotFound
	}
	return best, nil
}

type memPlans struct{ db *memDB }

func (s memPlans) GetByID(_ context.Context, id int64) (*model.Plan, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	p, ok := s.db.plans[id]
	if !ok {
		return nil, repository.ErrPlanNotFound
	}
	return clone(p), nil
}

func (s memPlans) ListActive(_ context.Context) ([]*model.Plan, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []*model.Plan
	for _, p := range s.db.plans {
		if p.IsActive {
			out = append(out, clone(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out, nil
}

type memServers struct{ db *memDB }

func (s memServers) GetByID(_ context.Context, id int64) (*model.Server, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	srv, ok := s.db.servers[id]
	if !ok {
		return nil, repository.ErrServerNotFound
	}
	return clone(srv), nil
}

func (s memServers) ListActive(_ context.Context) ([]*model.Server, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []*model.Server
	for _, srv := range s.db.servers {
		if srv.IsActive {
			out = append(out, clone(srv))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memAccounts struct{ db *memDB }

func (s memAccounts) identifierTaken(serverID int64, identifier string, exceptTx int64) bool {
	for _, a := range s.db.accounts {
		if a.TransactionID != exceptTx && a.ServerID == serverID &&
			a.RemoteIdentifier == identifier && a.Status != model.AccountProvisioningFailed {
			return true
		}
	}
	return false
}

func (s memAccounts) Save(_ context.Context, a *model.RemoteAccount) (*model.RemoteAccount, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	var existing *model.RemoteAccount
	for _, cur := range s.db.accounts {
		if cur.TransactionID == a.TransactionID {
			existing = cur
		}
	}
	if existing != nil && existing.Status != model.AccountProvisioningFailed {
		return nil, repository.ErrAccountExists
	}
	if a.Status != model.AccountProvisioningFailed && s.identifierTaken(a.ServerID, a.RemoteIdentifier, a.TransactionID) {
		return nil, repository.ErrIdentifierTaken
	}

	saved := clone(a)
	now := time.Now()
	saved.UpdatedAt = now
	if existing != nil {
		saved.ID = existing.ID
		saved.CreatedAt = existing.CreatedAt
	} else {
		saved.ID = s.db.nextID()
		saved.CreatedAt = now
	}
	s.db.accounts[saved.ID] = saved
	return clone(saved), nil
}

func (s memAccounts) GetByID(_ context.Context, id int64) (*model.RemoteAccount, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	a, ok := s.db.accounts[id]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	return clone(a), nil
}

func (s memAccounts) GetByTransaction(_ context.Context, txID int64) (*model.RemoteAccount, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, a := range s.db.accounts {
		if a.TransactionID == txID {
			return clone(a), nil
		}
	}
	return nil, repository.ErrAccountNotFound
}

func (s memAccounts) list(keep func(*model.RemoteAccount) bool) []*model.RemoteAccount {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []*model.RemoteAccount
	for _, a := range s.db.accounts {
		if keep(a) {
			out = append(out, clone(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s memAccounts) ListByUser(_ context.Context, userID int64) ([]*model.RemoteAccount, error) {
	return s.list(func(a *model.RemoteAccount) bool { return a.UserID == userID }), nil
}

func (s memAccounts) ListByServer(_ context.Context, serverID int64) ([]*model.RemoteAccount, error) {
	return s.list(func(a *model.RemoteAccount) bool { return a.ServerID == serverID }), nil
}

func (s memAccounts) UpdateServer(_ context.Context, id, from, to int64, link string) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	a, ok := s.db.accounts[id]
	if !ok || a.ServerID != from {
		return false, nil
	}
	if s.identifierTaken(to, a.RemoteIdentifier, a.TransactionID) {
		return false, repository.ErrIdentifierTaken
	}
	a.ServerID = to
	a.ConnectionLink = link
	a.UpdatedAt = time.Now()
	return true, nil
}

func (s memAccounts) SetStatus(_ context.Context, id int64, status model.AccountStatus) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	a, ok := s.db.accounts[id]
	if !ok {
		return repository.ErrAccountNotFound
	}
	a.Status = status
	return nil
}

type memJobs struct{ db *memDB }

func (s memJobs) Enqueue(_ context.Context, txID int64) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if j, ok := s.db.jobs[txID]; ok {
		j.DoneAt = nil
		return nil
	}
	s.db.jobs[txID] = &model.ProvisioningJob{TransactionID: txID, CreatedAt: time.Now()}
	return nil
}

func (s memJobs) ListPending(_ context.Context, limit int) ([]*model.ProvisioningJob, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []*model.ProvisioningJob
	for _, j := range s.db.jobs {
		if j.DoneAt == nil {
			out = append(out, clone(j))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransactionID < out[j].TransactionID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s memJobs) MarkAttempt(_ context.Context, txID int64, done bool) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	j, ok := s.db.jobs[txID]
	if !ok {
		return nil
	}
	j.Attempts++
	if done {
		now := time.Now()
		j.DoneAt = &now
	}
	return nil
}

func (s memJobs) job(txID int64) *model.ProvisioningJob {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	j, ok := s.db.jobs[txID]
	if !ok {
		return nil
	}
	return clone(j)
}

type memCleanup struct{ db *memDB }

func (s memCleanup) Enqueue(_ context.Context, task *model.CleanupTask) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, t := range s.db.cleanup {
		if t.ServerID == task.ServerID && t.RemoteIdentifier == task.RemoteIdentifier {
			return nil
		}
	}
	c := clone(task)
	c.ID = s.db.nextID()
	c.CreatedAt = time.Now()
	s.db.cleanup[c.ID] = c
	return nil
}

func (s memCleanup) List(_ context.Context) ([]*model.CleanupTask, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []*model.CleanupTask
	for _, t := range s.db.cleanup {
		out = append(out, clone(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s memCleanup) GetByID(_ context.Context, id int64) (*model.CleanupTask, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	t, ok := s.db.cleanup[id]
	if !ok {
		return nil, repository.ErrCleanupNotFound
	}
	return clone(t), nil
}

func (s memCleanup) Delete(_ context.Context, id int64) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	delete(s.db.cleanup, id)
	return nil
}

// fakePanel keeps clients per server and lets tests inject failures per
// operation. Hooks are called with the lock released.
type fakePanel struct {
	mu      sync.Mutex
	clients map[int64]map[string]panel.ClientConfig
	calls   map[string]int

	createErr func(server *model.Server, spec panel.ClientSpec, attempt int) error
	deleteErr func(server *model.Server, identifier string) error
	getErr    func(server *model.Server, identifier string) error
	linkErr   func(server *model.Server, identifier string) error
	listErr   func(server *model.Server) error
}

func newFakePanel() *fakePanel {
	return &fakePanel{
		clients: make(map[int64]map[string]panel.ClientConfig),
		calls:   make(map[string]int),
	}
}

func (p *fakePanel) count(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

func (p *fakePanel) call(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[op]++
	return p.calls[op]
}

func (p *fakePanel) has(serverID int64, identifier string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.clients[serverID][identifier]
	return ok
}

func (p *fakePanel) put(serverID int64, c panel.ClientConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clients[serverID] == nil {
		p.clients[serverID] = make(map[string]panel.ClientConfig)
	}
	p.clients[serverID][c.Identifier] = c
}

func (p *fakePanel) remove(serverID int64, identifier string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clients[serverID], identifier)
}

func (p *fakePanel) lookup(server *model.Server, op, identifier string) (panel.ClientConfig, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[server.ID][identifier]
	if !ok {
		return c, &panel.PermanentError{Op: op, Err: panel.ErrClientNotFound}
	}
	return c, nil
}

func (p *fakePanel) CreateClient(_ context.Context, server *model.Server, spec panel.ClientSpec) (*panel.ClientRef, error) {
	attempt := p.call("create")
	if p.createErr != nil {
		if err := p.createErr(server, spec, attempt); err != nil {
			return nil, err
		}
	}
	if p.has(server.ID, spec.Identifier) {
		return nil, &panel.PermanentError{Op: "create", Err: errors.New("duplicate email")}
	}
	p.put(server.ID, panel.ClientConfig{
		Identifier:        spec.Identifier,
		UUID:              spec.UUID,
		TrafficLimitBytes: spec.TrafficLimitBytes,
		ExpiresAt:         spec.ExpiresAt,
		Enabled:           true,
	})
	return &panel.ClientRef{Identifier: spec.Identifier, UUID: spec.UUID}, nil
}

func (p *fakePanel) GetClient(_ context.Context, server *model.Server, identifier string) (*panel.ClientConfig, error) {
	p.call("get")
	if p.getErr != nil {
		if err := p.getErr(server, identifier); err != nil {
			return nil, err
		}
	}
	c, err := p.lookup(server, "get", identifier)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *fakePanel) GetClientStatus(_ context.Context, server *model.Server, identifier string) (*panel.ClientStatus, error) {
	p.call("status")
	c, err := p.lookup(server, "status", identifier)
	if err != nil {
		return nil, err
	}
	return &panel.ClientStatus{ExpiresAt: c.ExpiresAt}, nil
}

func (p *fakePanel) DeleteClient(_ context.Context, server *model.Server, identifier string) (bool, error) {
	p.call("delete")
	if p.deleteErr != nil {
		if err := p.deleteErr(server, identifier); err != nil {
			return false, err
		}
	}
	if !p.has(server.ID, identifier) {
		return false, nil
	}
	p.remove(server.ID, identifier)
	return true, nil
}

func (p *fakePanel) ListClients(_ context.Context, server *model.Server) ([]panel.ClientConfig, error) {
	p.call("list")
	if p.listErr != nil {
		if err := p.listErr(server); err != nil {
			return nil, err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []panel.ClientConfig
	for _, c := range p.clients[server.ID] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

func (p *fakePanel) GenerateConnectionLink(_ context.Context, server *model.Server, identifier string) (string, error) {
	p.call("link")
	if p.linkErr != nil {
		if err := p.linkErr(server, identifier); err != nil {
			return "", err
		}
	}
	c, err := p.lookup(server, "link", identifier)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("vless://%s@%s:%d#%s", c.UUID, server.LinkHost, server.LinkPort, identifier), nil
}

var _ panel.Client = (*fakePanel)(nil)

func timeout(op string) error {
	return &panel.TransientError{Op: op, Err: context.DeadlineExceeded}
}

// recordingNotifier captures notifications for assertions.
type recordingNotifier struct {
	mu           sync.Mutex
	verification []AdminRoute
	closed       []model.Status
	ready        []int64
	failed       []int64
}

func (n *recordingNotifier) RequestVerification(_ context.Context, route AdminRoute, _ *model.Transaction, _ *model.BankCard) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.verification = append(n.verification, route)
	return nil
}

func (n *recordingNotifier) TransactionClosed(_ context.Context, tx *model.Transaction) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = append(n.closed, tx.Status)
	return nil
}

func (n *recordingNotifier) AccountReady(_ context.Context, acc *model.RemoteAccount) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ready = append(n.ready, acc.ID)
	return nil
}

func (n *recordingNotifier) ProvisioningFailed(_ context.Context, tx *model.Transaction, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, tx.ID)
	return nil
}

// recordingEnqueuer captures provisioning hand-offs.
type recordingEnqueuer struct {
	mu  sync.Mutex
	ids []int64
}

func (e *recordingEnqueuer) Enqueue(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids = append(e.ids, id)
}

func (e *recordingEnqueuer) queued() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.ids)
}

// fastRetry keeps the retry shape but not the wait.
var fastRetry = RetryPolicy{MaxRetries: 3, InitialBackoff: time.Millisecond, BackoffMultiplier: 3}

// harness wires every service over one memDB and one fakePanel.
type harness struct {
	db       *memDB
	panel    *fakePanel
	notifier *recordingNotifier
	enqueuer *recordingEnqueuer

	discounts   *DiscountService
	rotator     *Rotator
	ledger      *Ledger
	provisioner *Provisioner
	migrator    *Migrator
	auditor     *Auditor
	payments    *PaymentService
	accounts    *AccountService
}

func newHarness() *harness {
	db := newMemDB()
	p := newFakePanel()
	h := &harness{
		db:       db,
		panel:    p,
		notifier: &recordingNotifier{},
		enqueuer: &recordingEnqueuer{},
	}

	users, txs := memUsers{db}, memTxs{db}
	h.discounts = NewDiscountService(memDiscounts{db})
	h.rotator = NewRotator(memCards{db}, memAdmins{db}, nil, []int64{900, 901}, nil)
	h.ledger = NewLedger(txs, users, h.discounts, nil, nil)
	h.ledger.SetNotifier(h.notifier)
	h.ledger.SetEnqueuer(h.enqueuer)
	h.provisioner = NewProvisioner(txs, users, memPlans{db}, memServers{db}, memAccounts{db}, p, nil, fastRetry, nil)
	h.provisioner.SetNotifier(h.notifier)
	accountLocks := lock.NewKeyLock()
	h.migrator = NewMigrator(memAccounts{db}, memServers{db}, memCleanup{db}, p, nil, fastRetry, accountLocks)
	h.auditor = NewAuditor(txs, memServers{db}, memAccounts{db}, memCleanup{db}, p, nil, h.enqueuer, fastRetry, accountLocks, nil)
	h.payments = NewPaymentService(h.ledger, h.discounts, h.rotator, memPlans{db}, nil, nil)
	h.payments.SetNotifier(h.notifier)
	h.accounts = NewAccountService(users, txs, memAccounts{db})
	return h
}
