package engine

import "time"

// Tx is a handle on the market inside an Atomically call. It must not be
// retained after the callback returns.
type Tx struct {
	m     *Market
	now   time.Time
	dirty bool
}

// Now is the loop time the batch started at.
func (tx *Tx) Now() time.Time {
	return tx.now
}

// View returns the current market picture.
func (tx *Tx) View() View {
	return tx.m.view(tx.now)
}

// Account returns a copy of an account without its history.
func (tx *Tx) Account(id string) (Account, bool) {
	acc, ok := tx.m.ledger.get(id)
	if !ok {
		return Account{}, false
	}
	return acc.public(), true
}

// Execute trades for an account, see Market.Execute.
func (tx *Tx) Execute(id string, kind Kind, amount float64) (Result, error) {
	res, err := tx.m.execute(id, kind, amount, tx.now)
	if err == nil {
		tx.dirty = true
	}
	return res, err
}

// ExecuteForced injects system volume, see Market.ExecuteForced.
func (tx *Tx) ExecuteForced(id string, kind Kind, amount float64) (Result, error) {
	res, err := tx.m.executeForced(id, kind, amount, tx.now)
	if err == nil && res.Operation.Quantity > 0 {
		tx.dirty = true
	}
	return res, err
}

// AddBot opens a bot account, see Market.AddBot.
func (tx *Tx) AddBot(id string, dollars float64) error {
	_, err := tx.m.ledger.open(id, dollars, true, tx.now)
	if err == nil {
		tx.dirty = true
	}
	return err
}

// Refill tops an account up, see Market.Refill.
func (tx *Tx) Refill(id string, dollars float64) error {
	err := tx.m.refill(id, dollars)
	if err == nil {
		tx.dirty = true
	}
	return err
}
