package lending

import (
	"stablelend/crypto"
)

// LoanBook is the arena of every loan ever opened plus a per-borrower index
// of loan identifiers in insertion order. Identifiers are assigned from a
// monotonically increasing counter starting at one and are never reused;
// closed loans stay in the arena forever.
//
// The book carries no lock of its own. The engine is its only writer and
// serializes access behind its mutex.
type LoanBook struct {
	loans      map[uint64]*Loan
	byBorrower map[string][]uint64
	nextID     uint64
	active     int
}

func NewLoanBook() *LoanBook {
	return &LoanBook{
		loans:      make(map[uint64]*Loan),
		byBorrower: make(map[string][]uint64),
		nextID:     1,
	}
}

func (b *LoanBook) key(addr crypto.Address) string {
	return string(addr.Bytes())
}

// Append assigns the next identifier to the loan, stores it and indexes it
// under its borrower. The assigned identifier is returned.
func (b *LoanBook) Append(loan *Loan) uint64 {
	if loan == nil {
		return 0
	}
	id := b.nextID
	b.nextID++
	loan.ID = id
	if loan.Status == 0 {
		loan.Status = LoanStatusActive
	}
	b.loans[id] = loan
	key := b.key(loan.Borrower)
	b.byBorrower[key] = append(b.byBorrower[key], id)
	if loan.Status == LoanStatusActive {
		b.active++
	}
	return id
}

// Get returns the stored loan for the identifier. The returned pointer is the
// live instance; callers outside the engine must work on clones.
func (b *LoanBook) Get(id uint64) (*Loan, bool) {
	loan, ok := b.loans[id]
	return loan, ok
}

// Close transitions an active loan into a terminal status. Closed loans are
// never reopened.
func (b *LoanBook) Close(id uint64, status LoanStatus) error {
	loan, ok := b.loans[id]
	if !ok {
		return ErrLoanNotFound
	}
	if loan.Status != LoanStatusActive {
		return ErrLoanInactive
	}
	if status != LoanStatusRepaid && status != LoanStatusLiquidated {
		return ErrLoanInactive
	}
	loan.Status = status
	b.active--
	return nil
}

// LoanIDsByBorrower returns every loan identifier the borrower has ever
// opened, in insertion order.
func (b *LoanBook) LoanIDsByBorrower(addr crypto.Address) []uint64 {
	ids := b.byBorrower[b.key(addr)]
	out := make([]uint64, len(ids))
	copy(out, ids)
	return out
}

// ActiveLoanIDsByBorrower returns the borrower's currently open loan
// identifiers, preserving insertion order.
func (b *LoanBook) ActiveLoanIDsByBorrower(addr crypto.Address) []uint64 {
	ids := b.byBorrower[b.key(addr)]
	out := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if loan, ok := b.loans[id]; ok && loan.Status == LoanStatusActive {
			out = append(out, id)
		}
	}
	return out
}

// Len reports how many loans the book has ever recorded.
func (b *LoanBook) Len() int {
	return len(b.loans)
}

// ActiveCount reports how many loans are currently open.
func (b *LoanBook) ActiveCount() int {
	return b.active
}
