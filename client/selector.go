// Package client implements the buyer side of the payment protocol: parsing
// 402 challenges, selecting a requirement, producing a payment proof and
// retrying the request with the proof attached.
package client

import (
	"math/big"

	autopay "github.com/cyh1001/DaVinci-sub001"
)

// Selector filters the requirements a 402 challenge offers down to the ones
// this buyer can satisfy. The zero value accepts any "exact" requirement on
// any network.
type Selector struct {
	// Networks the buyer can settle on. Patterns may use a trailing
	// wildcard ("eip155:*"). Empty means any network.
	Networks []autopay.Network

	// Scheme the buyer supports. Empty means "exact".
	Scheme string

	// MaxAmount caps how much a single purchase may cost, in the asset's
	// minor units. Nil means no cap.
	MaxAmount *big.Int
}

// Select picks the first requirement in server order that passes the
// buyer-side filters. Server order expresses the seller's preference, so no
// reordering happens here.
func (s *Selector) Select(accepts []autopay.PaymentRequirements) (*autopay.PaymentRequirements, error) {
	scheme := s.Scheme
	if scheme == "" {
		scheme = autopay.SchemeExact
	}

	for i := range accepts {
		req := &accepts[i]
		if req.Scheme != scheme {
			continue
		}
		if !s.networkAllowed(req.Network) {
			continue
		}
		if req.Validate() != nil {
			continue
		}
		if s.MaxAmount != nil {
			amount, err := req.Amount()
			if err != nil || amount.Cmp(s.MaxAmount) > 0 {
				continue
			}
		}
		return req, nil
	}

	return nil, autopay.NewPaymentError(autopay.ErrCodeNoAcceptableRequirement,
		"no acceptable payment requirement in challenge", map[string]interface{}{
			"offered": len(accepts),
		})
}

func (s *Selector) networkAllowed(network autopay.Network) bool {
	if len(s.Networks) == 0 {
		return true
	}
	for _, pattern := range s.Networks {
		if network.Match(pattern) {
			return true
		}
	}
	return false
}
