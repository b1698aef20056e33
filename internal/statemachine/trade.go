// Package statemachine holds the transition tables for trades and offers.
// Everything here is pure: callers load state, ask for the next status and
// persist the result themselves.
package statemachine

import (
	"trade-service/internal/apperror"
	"trade-service/internal/models"
)

// Action is a requested trade transition
type Action string

const (
	ActionSellerInitiate    Action = "seller-initiate"
	ActionSellerConfirmSent Action = "seller-confirm-sent"
	ActionBuyerConfirm      Action = "buyer-confirm"
	ActionCancel            Action = "cancel"
	ActionCounterOffer      Action = "counter-offer"
	ActionReject            Action = "reject"
	ActionAcceptCounter     Action = "accept-counter"
	ActionDeclineCounter    Action = "decline-counter"
	ActionExpire            Action = "expire"
	ActionFail              Action = "fail"
)

type rule struct {
	roles []models.Role
	from  []models.TradeStatus
	to    models.TradeStatus
}

var nonTerminal = []models.TradeStatus{
	models.TradeStatusCreated,
	models.TradeStatusPending,
	models.TradeStatusAwaitingSeller,
	models.TradeStatusAwaitingBuyer,
	models.TradeStatusAccepted,
	models.TradeStatusOfferSent,
	models.TradeStatusAwaitingConfirmation,
}

var preCommitment = []models.TradeStatus{
	models.TradeStatusCreated,
	models.TradeStatusPending,
	models.TradeStatusAwaitingSeller,
	models.TradeStatusAccepted,
	models.TradeStatusAwaitingConfirmation,
}

var tradeRules = map[Action]rule{
	ActionSellerInitiate: {
		roles: []models.Role{models.RoleSeller},
		from: []models.TradeStatus{
			models.TradeStatusCreated,
			models.TradeStatusPending,
			models.TradeStatusAwaitingSeller,
			models.TradeStatusAccepted,
		},
		to: models.TradeStatusOfferSent,
	},
	ActionSellerConfirmSent: {
		roles: []models.Role{models.RoleSeller},
		from: []models.TradeStatus{
			models.TradeStatusCreated,
			models.TradeStatusPending,
			models.TradeStatusAwaitingSeller,
			models.TradeStatusAccepted,
			models.TradeStatusOfferSent,
		},
		to: models.TradeStatusAwaitingBuyer,
	},
	ActionBuyerConfirm: {
		roles: []models.Role{models.RoleBuyer},
		from:  []models.TradeStatus{models.TradeStatusAwaitingBuyer},
		to:    models.TradeStatusCompleted,
	},
	ActionReject: {
		roles: []models.Role{models.RoleSeller},
		from: []models.TradeStatus{
			models.TradeStatusCreated,
			models.TradeStatusPending,
			models.TradeStatusAwaitingSeller,
		},
		to: models.TradeStatusRejected,
	},
	ActionCounterOffer: {
		roles: []models.Role{models.RoleSeller},
		from:  []models.TradeStatus{models.TradeStatusAwaitingSeller},
		to:    models.TradeStatusAwaitingConfirmation,
	},
	ActionAcceptCounter: {
		roles: []models.Role{models.RoleBuyer},
		from:  []models.TradeStatus{models.TradeStatusAwaitingConfirmation},
		to:    models.TradeStatusAwaitingSeller,
	},
	ActionDeclineCounter: {
		roles: []models.Role{models.RoleBuyer},
		from:  []models.TradeStatus{models.TradeStatusAwaitingConfirmation},
		to:    models.TradeStatusCancelled,
	},
	ActionCancel: {
		roles: []models.Role{models.RoleBuyer, models.RoleSeller},
		from:  nonTerminal,
		to:    models.TradeStatusCancelled,
	},
	ActionExpire: {
		roles: []models.Role{models.RoleSystem},
		from:  preCommitment,
		to:    models.TradeStatusExpired,
	},
	ActionFail: {
		roles: []models.Role{models.RoleSystem},
		from:  []models.TradeStatus{models.TradeStatusOfferSent},
		to:    models.TradeStatusFailed,
	},
}

// ParseAction validates a client-supplied action name
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if _, ok := tradeRules[a]; !ok {
		return "", apperror.Validation("unknown action %q", s)
	}
	return a, nil
}

// Next returns the status a trade in current moves to when role applies action.
// Checks run in a fixed order: non-party, terminal, unknown action, role, source state.
// A non-party learns nothing about the trade from the error.
func Next(current models.TradeStatus, action Action, role models.Role) (models.TradeStatus, error) {
	if role == models.RoleNone {
		return "", apperror.New(apperror.KindUnauthorized, "not a party to this trade")
	}

	if current.IsTerminal() {
		return "", apperror.New(apperror.KindAlreadyTerminal, "trade is %s", current)
	}

	r, ok := tradeRules[action]
	if !ok {
		return "", apperror.Validation("unknown action %q", action)
	}

	if !containsRole(r.roles, role) {
		return "", apperror.New(apperror.KindUnauthorized, "%s may not %s", role, action)
	}

	if !containsStatus(r.from, current) {
		return "", apperror.New(apperror.KindInvalidTransition, "cannot %s from %s", action, current)
	}

	return r.to, nil
}

// Allowed lists the actions role may take from current, in table order
func Allowed(current models.TradeStatus, role models.Role) []Action {
	var out []Action
	for _, a := range actionOrder {
		if _, err := Next(current, a, role); err == nil {
			out = append(out, a)
		}
	}
	return out
}

var actionOrder = []Action{
	ActionSellerInitiate,
	ActionSellerConfirmSent,
	ActionBuyerConfirm,
	ActionReject,
	ActionCounterOffer,
	ActionAcceptCounter,
	ActionDeclineCounter,
	ActionCancel,
	ActionExpire,
	ActionFail,
}

// IsPreCommitment reports whether the trade's price may still change
func IsPreCommitment(s models.TradeStatus) bool {
	return containsStatus(preCommitment, s)
}

// RequiresImmediateAction reports whether one of the parties is expected to act soon.
// Clients poll these states on the short interval.
func RequiresImmediateAction(s models.TradeStatus) bool {
	switch s {
	case models.TradeStatusAwaitingSeller,
		models.TradeStatusAwaitingBuyer,
		models.TradeStatusOfferSent,
		models.TradeStatusAwaitingConfirmation:
		return true
	}
	return false
}

// IsUserAction reports whether a party (not the system) may request action
func IsUserAction(a Action) bool {
	r, ok := tradeRules[a]
	if !ok {
		return false
	}
	return !containsRole(r.roles, models.RoleSystem)
}

func containsRole(roles []models.Role, role models.Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func containsStatus(statuses []models.TradeStatus, s models.TradeStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}
