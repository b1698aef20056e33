package statemachine

import (
	"trade-service/internal/apperror"
	"trade-service/internal/models"
)

// OfferAction is a requested offer transition
type OfferAction string

const (
	OfferActionAccept  OfferAction = "accept"
	OfferActionDecline OfferAction = "decline"
	OfferActionCounter OfferAction = "counter"
	OfferActionCancel  OfferAction = "cancel"
	OfferActionExpire  OfferAction = "expire"
)

// OfferActor identifies who is acting on an offer
type OfferActor int

const (
	OfferActorNone OfferActor = iota
	OfferActorProposer
	OfferActorRecipient
	OfferActorSystem
)

// NextOffer returns the status an offer moves to.
// A pending offer waits on the recipient; a countered offer waits on the proposer.
func NextOffer(current models.OfferStatus, action OfferAction, actor OfferActor) (models.OfferStatus, error) {
	if current != models.OfferStatusPending && current != models.OfferStatusCountered {
		return "", apperror.New(apperror.KindAlreadyTerminal, "offer is %s", current)
	}
	if actor == OfferActorNone {
		return "", apperror.New(apperror.KindUnauthorized, "not a party to this offer")
	}

	// the side whose answer is awaited
	turn := OfferActorRecipient
	if current == models.OfferStatusCountered {
		turn = OfferActorProposer
	}

	switch action {
	case OfferActionAccept:
		if actor != turn {
			return "", apperror.New(apperror.KindUnauthorized, "offer is not awaiting your answer")
		}
		return models.OfferStatusAccepted, nil

	case OfferActionDecline:
		if actor != turn {
			return "", apperror.New(apperror.KindUnauthorized, "offer is not awaiting your answer")
		}
		return models.OfferStatusDeclined, nil

	case OfferActionCounter:
		if actor != OfferActorRecipient {
			return "", apperror.New(apperror.KindUnauthorized, "only the item owner may counter")
		}
		if current != models.OfferStatusPending {
			return "", apperror.New(apperror.KindInvalidTransition, "cannot counter a %s offer", current)
		}
		return models.OfferStatusCountered, nil

	case OfferActionCancel:
		if actor != OfferActorProposer {
			return "", apperror.New(apperror.KindUnauthorized, "only the proposer may cancel")
		}
		return models.OfferStatusCancelled, nil

	case OfferActionExpire:
		if actor != OfferActorSystem {
			return "", apperror.New(apperror.KindUnauthorized, "offers expire on their own")
		}
		return models.OfferStatusExpired, nil
	}

	return "", apperror.Validation("unknown offer action %q", action)
}

// OfferActorFor resolves userID's side of o
func OfferActorFor(o *models.Offer, userID string) OfferActor {
	switch userID {
	case "":
		return OfferActorNone
	case o.ProposerID:
		return OfferActorProposer
	case o.RecipientID:
		return OfferActorRecipient
	case models.SystemActor:
		return OfferActorSystem
	}
	return OfferActorNone
}
