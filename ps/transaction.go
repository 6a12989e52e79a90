package ps

import (
	"fmt"
	"time"
)

// Transaction is one mainline promotion recorded in the history ledger.
type Transaction struct {
	Id        string
	When      time.Time
	Author    string // "Name <email>" format
	Promotion Promotion
}

func (transaction Transaction) String() string {
	return fmt.Sprintf("Transaction{Id: %s, When: %s, Author: %s}", transaction.Id, transaction.When, transaction.Author)
}

// Short returns the abbreviated transaction id.
func (transaction Transaction) Short() string {
	if len(transaction.Id) < 7 {
		return transaction.Id
	}
	return transaction.Id[:7]
}

type PromotionKind string

const (
	PromotionBaseline PromotionKind = "baseline"
	PromotionCommit   PromotionKind = "commit"
	PromotionRestore  PromotionKind = "restore"
	PromotionSeed     PromotionKind = "seed"
)

// Promotion describes why mainline changed.
type Promotion struct {
	Kind        PromotionKind      `json:"kind"`
	World       string             `json:"world"`
	Parent      string             `json:"parent,omitempty"`
	Description string             `json:"description,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
}

func (promotion Promotion) message() string {
	switch promotion.Kind {
	case PromotionCommit:
		return fmt.Sprintf("Commit %s into mainline", promotion.World)
	case PromotionRestore:
		return promotion.Description
	case PromotionSeed:
		return "Seeding mainline"
	case PromotionBaseline:
		return "Mainline baseline"
	default:
		return string(promotion.Kind)
	}
}
