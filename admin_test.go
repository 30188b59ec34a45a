package sessionsync_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gidyon/sessionsync"
	"github.com/stretchr/testify/require"
)

// waitingSession loads a fresh session through a client and moves it to the waiting state
func waitingSession(t *testing.T, st sessionsync.Store) *sessionsync.Session {
	t.Helper()
	ctx := context.Background()

	c := newClient(t, st, st, &sessionsync.MemoryIDKeeper{})
	_, err := c.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, c.RequestTransition(ctx, sessionsync.StateSecondaryInput))
	require.NoError(t, c.RequestTransition(ctx, sessionsync.StateWaiting))

	return c.View()
}

func TestNewAdmin_Validation(t *testing.T) {
	st := setupStore(t)

	_, err := sessionsync.NewAdmin(nil)
	require.Error(t, err)

	_, err = sessionsync.NewAdmin(&sessionsync.AdminOptions{Store: st, Logger: testLogger})
	require.Error(t, err)

	_, err = sessionsync.NewAdmin(&sessionsync.AdminOptions{Store: st, Feed: st})
	require.Error(t, err)
}

func TestAdmin_TransitionClearsVerificationCode(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	admin := newAdmin(t, st, st, nil)

	s := waitingSession(t, st)
	_, err := st.Update(ctx, s.ID, sessionsync.NewPatch().SetVerificationCode("123456"))
	require.NoError(t, err)

	got, err := admin.Transition(ctx, s.ID, sessionsync.StateVerifyAlternate)
	require.NoError(t, err)
	require.Equal(t, sessionsync.StepVerification, got.CurrentStep)
	require.Equal(t, sessionsync.ApprovalPendingAlternate, got.ApprovalType)
	require.Empty(t, got.VerificationCode)

	stored, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, got, stored)

	// Everything the edge does not name is left alone
	require.Equal(t, s.SessionCode, stored.SessionCode)
	require.Equal(t, s.Amount, stored.Amount)
	require.Equal(t, s.ParcelTracking, stored.ParcelTracking)
	require.Equal(t, s.ClientIP, stored.ClientIP)
}

func TestAdmin_TransitionWithMessage(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	admin := newAdmin(t, st, st, nil)

	s := waitingSession(t, st)

	got, err := admin.Transition(ctx, s.ID, sessionsync.StateSecondaryInput,
		sessionsync.WithMessage("phone number looks wrong", sessionsync.MessageError))
	require.NoError(t, err)
	require.Equal(t, sessionsync.StepSecondaryInput, got.CurrentStep)
	require.Empty(t, got.ApprovalType)
	require.Equal(t, "phone number looks wrong", got.AdminMessage)
	require.Equal(t, sessionsync.MessageError, got.MessageType)
}

func TestAdmin_ConfirmNotifies(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	notifier := &recordingNotifier{}
	admin := newAdmin(t, st, st, notifier)

	s := waitingSession(t, st)

	_, err := admin.Transition(ctx, s.ID, sessionsync.StateVerifyAlternate)
	require.NoError(t, err)

	got, err := admin.Transition(ctx, s.ID, sessionsync.StateTerminal)
	require.NoError(t, err)
	require.Equal(t, sessionsync.StepTerminal, got.CurrentStep)
	require.Equal(t, sessionsync.ApprovalConfirmedAlternate, got.ApprovalType)

	admin.Wait()
	require.Equal(t, []string{"session " + s.SessionCode + " confirmed (confirmed_alternate)"}, notifier.Texts())
}

func TestAdmin_BulkTransitionWithMissingID(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	admin := newAdmin(t, st, st, nil)

	a := waitingSession(t, st)
	b := waitingSession(t, st)

	got, err := admin.BulkTransition(ctx, []string{a.ID, "missing", b.ID}, sessionsync.StateVerifyPrimary)
	require.Error(t, err)
	require.Len(t, got, 2)

	var bulkErr *sessionsync.BulkError
	require.True(t, errors.As(err, &bulkErr))
	require.Equal(t, []string{"missing"}, bulkErr.IDs())
	require.ErrorIs(t, err, sessionsync.ErrNotFound)

	for _, id := range []string{a.ID, b.ID} {
		stored, err := st.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, sessionsync.StepVerification, stored.CurrentStep)
	}
}

func TestAdmin_TransitionRejectsStaleRead(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	s := waitingSession(t, st)

	admin := newAdmin(t, &racingStore{Store: st}, st, nil)

	_, err := admin.Transition(ctx, s.ID, sessionsync.StateVerifyPrimary)
	require.ErrorIs(t, err, sessionsync.ErrRevisionConflict)

	// The competing write survives and the step did not move
	stored, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, "4321", stored.VerificationCode)
	require.Equal(t, sessionsync.StepSecondaryInput, stored.CurrentStep)

	// Retrying reads the new revision
	got, err := admin.Transition(ctx, s.ID, sessionsync.StateVerifyPrimary)
	require.NoError(t, err)
	require.Empty(t, got.VerificationCode)
}

func TestAdmin_SendAndClearMessage(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	admin := newAdmin(t, st, st, nil)

	s := waitingSession(t, st)

	_, err := admin.SendMessage(ctx, s.ID, "  ", sessionsync.MessageInfo)
	require.ErrorIs(t, err, sessionsync.ErrValidation)

	_, err = admin.SendMessage(ctx, s.ID, "hello", sessionsync.MessageType("shout"))
	require.ErrorIs(t, err, sessionsync.ErrValidation)

	_, err = admin.SendMessage(ctx, "missing", "hello", sessionsync.MessageInfo)
	require.ErrorIs(t, err, sessionsync.ErrNotFound)

	got, err := admin.SendMessage(ctx, s.ID, "hold on", sessionsync.MessageInfo)
	require.NoError(t, err)
	require.Equal(t, "hold on", got.AdminMessage)
	require.Equal(t, sessionsync.MessageInfo, got.MessageType)
	require.Equal(t, s.CurrentStep, got.CurrentStep)
	require.Equal(t, s.ApprovalType, got.ApprovalType)

	got, err = admin.ClearMessage(ctx, s.ID)
	require.NoError(t, err)
	require.Empty(t, got.AdminMessage)
	require.Empty(t, got.MessageType)
}

func TestAdmin_RegenerateVerificationCode(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	notifier := &recordingNotifier{err: errors.New("chat api down")}
	admin := newAdmin(t, st, st, notifier)

	s := waitingSession(t, st)

	code, err := admin.RegenerateVerificationCode(ctx, s.ID)
	require.NoError(t, err)
	require.Regexp(t, `^[0-9]{6}$`, code)

	// A failing notifier does not undo the write
	stored, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, code, stored.VerificationCode)

	admin.Wait()
	texts := notifier.Texts()
	require.Len(t, texts, 1)
	require.NotContains(t, texts[0], code)
}

func TestAdmin_EditParcelFields(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	admin := newAdmin(t, st, st, nil)

	s := waitingSession(t, st)

	negative := -1.0
	_, err := admin.EditParcelFields(ctx, s.ID, &sessionsync.ParcelFields{Amount: &negative})
	require.ErrorIs(t, err, sessionsync.ErrValidation)

	_, err = admin.EditParcelFields(ctx, s.ID, &sessionsync.ParcelFields{})
	require.ErrorIs(t, err, sessionsync.ErrValidation)

	amount, origin := 12.5, "East hub"
	got, err := admin.EditParcelFields(ctx, s.ID, &sessionsync.ParcelFields{Amount: &amount, Origin: &origin})
	require.NoError(t, err)

	expected := s.Clone()
	expected.Amount = amount
	expected.Origin = origin
	expected.UpdatedAt = got.UpdatedAt
	expected.Revision = got.Revision
	require.Equal(t, expected, got)
}

func TestAdmin_ListActiveAndSearch(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	admin := newAdmin(t, st, st, nil)

	a := waitingSession(t, st)
	b := waitingSession(t, st)

	_, err := st.Update(ctx, b.ID, sessionsync.NewPatch().SetClientName("Maria Lopez").SetPhoneNumber("+15550199"))
	require.NoError(t, err)

	list, err := admin.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	require.Len(t, admin.Search(""), 2)

	found := admin.Search("maria")
	require.Len(t, found, 1)
	require.Equal(t, b.ID, found[0].ID)

	found = admin.Search(a.SessionCode)
	require.Len(t, found, 1)
	require.Equal(t, a.ID, found[0].ID)

	found = admin.Search("0199")
	require.Len(t, found, 1)
	require.Equal(t, b.ID, found[0].ID)

	require.Empty(t, admin.Search("nobody"))
}

func TestAdmin_DeactivateAndDelete(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	admin := newAdmin(t, st, st, nil)

	a := waitingSession(t, st)
	b := waitingSession(t, st)

	list, err := admin.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	done, err := admin.Deactivate(ctx, []string{a.ID})
	require.NoError(t, err)
	require.Len(t, done, 1)
	require.Equal(t, sessionsync.StatusCompleted, done[0].Status)

	list, err = admin.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, b.ID, list[0].ID)

	require.NoError(t, admin.Delete(ctx, b.ID))
	require.ErrorIs(t, admin.Delete(ctx, b.ID), sessionsync.ErrNotFound)

	list, err = admin.ListActive(ctx)
	require.NoError(t, err)
	require.Empty(t, list)

	_, err = st.Get(ctx, b.ID)
	require.ErrorIs(t, err, sessionsync.ErrNotFound)
}

func TestAdmin_WatchPatchesList(t *testing.T) {
	st := setupStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	admin := newAdmin(t, st, st, nil)
	done := make(chan error, 1)
	go func() { done <- admin.Watch(ctx) }()

	// Writes from other parties reach the list through the feed
	s := waitingSession(t, st)

	require.Eventually(t, func() bool {
		found := admin.Search(s.SessionCode)
		return len(found) == 1 && found[0].ApprovalType == sessionsync.ApprovalWaiting
	}, 5*time.Second, 10*time.Millisecond)

	_, err := st.Update(ctx, s.ID, sessionsync.NewPatch().SetClientName("Ada"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		found := admin.Search(s.SessionCode)
		return len(found) == 1 && found[0].ClientName == "Ada"
	}, 5*time.Second, 10*time.Millisecond)

	_, err = st.BulkUpdate(ctx, []string{s.ID}, sessionsync.NewPatch().SetStatus(sessionsync.StatusCompleted))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(admin.Search("")) == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestAdmin_ReconcileIgnoresOlderRevisions(t *testing.T) {
	st := setupStore(t)
	admin := newAdmin(t, st, st, nil)

	s := waitingSession(t, st)
	admin.Reconcile(&sessionsync.Event{Kind: sessionsync.EventUpdated, SessionID: s.ID, Session: s})

	older := s.Clone()
	older.Revision--
	older.ClientName = "stale"
	admin.Reconcile(&sessionsync.Event{Kind: sessionsync.EventUpdated, SessionID: s.ID, Session: older})

	found := admin.Search("")
	require.Len(t, found, 1)
	require.Equal(t, s, found[0])

	admin.Reconcile(&sessionsync.Event{Kind: sessionsync.EventDeleted, SessionID: s.ID})
	require.Empty(t, admin.Search(""))
}
