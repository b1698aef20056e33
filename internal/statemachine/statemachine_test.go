package statemachine

import (
	"errors"
	"testing"

	"trade-service/internal/apperror"
	"trade-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextCanonicalPath(t *testing.T) {
	s, err := Next(models.TradeStatusAwaitingSeller, ActionSellerConfirmSent, models.RoleSeller)
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusAwaitingBuyer, s)

	s, err = Next(s, ActionBuyerConfirm, models.RoleBuyer)
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusCompleted, s)
}

func TestNextTable(t *testing.T) {
	tests := []struct {
		name    string
		from    models.TradeStatus
		action  Action
		role    models.Role
		want    models.TradeStatus
		wantErr error
	}{
		{"seller initiates", models.TradeStatusAwaitingSeller, ActionSellerInitiate, models.RoleSeller, models.TradeStatusOfferSent, nil},
		{"confirm sent after initiate", models.TradeStatusOfferSent, ActionSellerConfirmSent, models.RoleSeller, models.TradeStatusAwaitingBuyer, nil},
		{"buyer cannot mark sent", models.TradeStatusAwaitingSeller, ActionSellerConfirmSent, models.RoleBuyer, "", apperror.ErrUnauthorized},
		{"buyer confirm too early", models.TradeStatusAwaitingSeller, ActionBuyerConfirm, models.RoleBuyer, "", apperror.ErrInvalidTransition},
		{"seller rejects", models.TradeStatusAwaitingSeller, ActionReject, models.RoleSeller, models.TradeStatusRejected, nil},
		{"reject after sending", models.TradeStatusAwaitingBuyer, ActionReject, models.RoleSeller, "", apperror.ErrInvalidTransition},
		{"seller counters", models.TradeStatusAwaitingSeller, ActionCounterOffer, models.RoleSeller, models.TradeStatusAwaitingConfirmation, nil},
		{"buyer accepts counter", models.TradeStatusAwaitingConfirmation, ActionAcceptCounter, models.RoleBuyer, models.TradeStatusAwaitingSeller, nil},
		{"buyer declines counter", models.TradeStatusAwaitingConfirmation, ActionDeclineCounter, models.RoleBuyer, models.TradeStatusCancelled, nil},
		{"seller cannot accept own counter", models.TradeStatusAwaitingConfirmation, ActionAcceptCounter, models.RoleSeller, "", apperror.ErrUnauthorized},
		{"buyer cancels in transit", models.TradeStatusAwaitingBuyer, ActionCancel, models.RoleBuyer, models.TradeStatusCancelled, nil},
		{"stranger cancels", models.TradeStatusAwaitingBuyer, ActionCancel, models.RoleNone, "", apperror.ErrUnauthorized},
		{"system expires", models.TradeStatusAwaitingSeller, ActionExpire, models.RoleSystem, models.TradeStatusExpired, nil},
		{"user cannot expire", models.TradeStatusAwaitingSeller, ActionExpire, models.RoleSeller, "", apperror.ErrUnauthorized},
		{"system fails stuck transfer", models.TradeStatusOfferSent, ActionFail, models.RoleSystem, models.TradeStatusFailed, nil},
		{"unknown action", models.TradeStatusAwaitingSeller, Action("teleport"), models.RoleSeller, "", apperror.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Next(tt.from, tt.action, tt.role)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTerminalStatesRejectEverything(t *testing.T) {
	roles := []models.Role{models.RoleBuyer, models.RoleSeller, models.RoleSystem}
	for _, status := range models.TerminalTradeStatuses {
		for _, action := range actionOrder {
			for _, role := range roles {
				_, err := Next(status, action, role)
				assert.ErrorIs(t, err, apperror.ErrAlreadyTerminal, "%s %s %s", status, action, role)
			}
		}
	}
}

func TestNonPartyIsAlwaysUnauthorized(t *testing.T) {
	statuses := append(append([]models.TradeStatus{}, nonTerminal...), models.TerminalTradeStatuses...)
	actions := append(append([]Action{}, actionOrder...), Action("teleport"))
	for _, status := range statuses {
		for _, action := range actions {
			_, err := Next(status, action, models.RoleNone)
			assert.ErrorIs(t, err, apperror.ErrUnauthorized, "%s %s", status, action)
			assert.NotContains(t, err.Error(), string(status), "%s %s", status, action)
		}
	}
}

func TestAllowed(t *testing.T) {
	assert.Equal(t,
		[]Action{ActionSellerInitiate, ActionSellerConfirmSent, ActionReject, ActionCounterOffer, ActionCancel},
		Allowed(models.TradeStatusAwaitingSeller, models.RoleSeller))
	assert.Equal(t, []Action{ActionCancel}, Allowed(models.TradeStatusAwaitingSeller, models.RoleBuyer))
	assert.Empty(t, Allowed(models.TradeStatusCompleted, models.RoleBuyer))
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("buyer-confirm")
	require.NoError(t, err)
	assert.Equal(t, ActionBuyerConfirm, a)

	_, err = ParseAction("confirm")
	assert.ErrorIs(t, err, apperror.ErrValidation)

	assert.True(t, IsUserAction(ActionCancel))
	assert.False(t, IsUserAction(ActionExpire))
}

func TestNextOffer(t *testing.T) {
	s, err := NextOffer(models.OfferStatusPending, OfferActionAccept, OfferActorRecipient)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusAccepted, s)

	_, err = NextOffer(models.OfferStatusPending, OfferActionAccept, OfferActorProposer)
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)

	s, err = NextOffer(models.OfferStatusPending, OfferActionCounter, OfferActorRecipient)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusCountered, s)

	// countered offers wait on the proposer
	s, err = NextOffer(models.OfferStatusCountered, OfferActionAccept, OfferActorProposer)
	require.NoError(t, err)
	assert.Equal(t, models.OfferStatusAccepted, s)

	_, err = NextOffer(models.OfferStatusCountered, OfferActionCounter, OfferActorRecipient)
	assert.ErrorIs(t, err, apperror.ErrInvalidTransition)

	_, err = NextOffer(models.OfferStatusAccepted, OfferActionCancel, OfferActorProposer)
	assert.ErrorIs(t, err, apperror.ErrAlreadyTerminal)

	_, err = NextOffer(models.OfferStatusPending, OfferActionDecline, OfferActorNone)
	assert.ErrorIs(t, err, apperror.ErrUnauthorized)
}

func TestOfferActorFor(t *testing.T) {
	o := &models.Offer{ProposerID: "buyer", RecipientID: "owner"}
	assert.Equal(t, OfferActorProposer, OfferActorFor(o, "buyer"))
	assert.Equal(t, OfferActorRecipient, OfferActorFor(o, "owner"))
	assert.Equal(t, OfferActorSystem, OfferActorFor(o, models.SystemActor))
	assert.Equal(t, OfferActorNone, OfferActorFor(o, "someone"))
}
