package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/PortNumber53/billing-reconciler/internal/models"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return &Store{db: db}, mock
}

func expectMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func userRow(id int64, email string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"id", "email", "name", "image", "provider", "provider_id", "role", "creation_date", "updated_at"}).
		AddRow(id, email, "User", nil, "google", "g-1", "user", now, now)
}

func TestNewStoreValidation(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error when db is nil")
	}
}

func TestListUsersSuccess(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM users ORDER BY creation_date DESC LIMIT $1`)).
		WithArgs(5).
		WillReturnRows(userRow(1, "user@example.com"))

	users, err := s.ListUsers(context.Background(), 5)
	if err != nil {
		t.Fatalf("ListUsers returned error: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if users[0].ID != 1 || users[0].EmailOrEmpty() != "user@example.com" {
		t.Fatalf("unexpected user: %+v", users[0])
	}
	if users[0].Image != nil {
		t.Fatalf("expected nil image, got %v", *users[0].Image)
	}
	expectMet(t, mock)
}

func TestListUsersQueryError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM users`)).WithArgs(defaultPageSize).WillReturnError(errors.New("boom"))

	if _, err := s.ListUsers(context.Background(), 0); err == nil {
		t.Fatal("expected error when query fails")
	}
}

func TestGetUserByIDNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE id = $1`)).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := s.GetUserByID(context.Background(), 9); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectMet(t, mock)
}

func TestGetUserByEmailBlankSkipsQuery(t *testing.T) {
	s, mock := newMockStore(t)

	u, err := s.GetUserByEmail(context.Background(), "   ")
	if err != nil || u != nil {
		t.Fatalf("expected nil user and nil error, got %v, %v", u, err)
	}
	expectMet(t, mock)
}

func TestGetUserByEmailCaseInsensitive(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE LOWER(email) = LOWER($1)`)).
		WithArgs("Buyer@Example.com").
		WillReturnRows(userRow(3, "buyer@example.com"))

	u, err := s.GetUserByEmail(context.Background(), " Buyer@Example.com ")
	if err != nil {
		t.Fatalf("GetUserByEmail returned error: %v", err)
	}
	if u == nil || u.ID != 3 {
		t.Fatalf("unexpected user: %+v", u)
	}
	expectMet(t, mock)
}

func TestApplyOrderGrantsCreditsOnce(t *testing.T) {
	s, mock := newMockStore(t)
	userID := int64(7)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO processed_orders`)).
		WithArgs("ord_1", "order.paid", "prod_c", userID, int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{"order_id"}).AddRow("ord_1"))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO credits`)).
		WithArgs(userID, int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(100))
	mock.ExpectCommit()

	applied, err := s.ApplyOrder(context.Background(), models.ProcessedOrder{
		OrderID: "ord_1", EventType: "order.paid", ProductID: "prod_c", UserID: &userID, CreditsAdded: 100,
	})
	if err != nil {
		t.Fatalf("ApplyOrder returned error: %v", err)
	}
	if !applied {
		t.Fatal("expected first delivery to apply")
	}
	expectMet(t, mock)
}

func TestClaimOrderEffectsOnce(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO order_effects`)).
		WithArgs("ord_1").
		WillReturnRows(sqlmock.NewRows([]string{"order_id"}).AddRow("ord_1"))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO order_effects`)).
		WithArgs("ord_1").
		WillReturnRows(sqlmock.NewRows([]string{"order_id"}))

	first, err := s.ClaimOrderEffects(context.Background(), "ord_1")
	if err != nil || !first {
		t.Fatalf("expected first claim, got first=%v err=%v", first, err)
	}
	first, err = s.ClaimOrderEffects(context.Background(), "ord_1")
	if err != nil || first {
		t.Fatalf("expected repeated claim to be rejected, got first=%v err=%v", first, err)
	}
	if _, err := s.ClaimOrderEffects(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty order id")
	}
	expectMet(t, mock)
}

func TestApplyOrderDuplicateSkipsCredits(t *testing.T) {
	s, mock := newMockStore(t)
	userID := int64(7)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO processed_orders`)).
		WillReturnRows(sqlmock.NewRows([]string{"order_id"}))
	mock.ExpectRollback()

	applied, err := s.ApplyOrder(context.Background(), models.ProcessedOrder{
		OrderID: "ord_1", EventType: "order.paid", UserID: &userID, CreditsAdded: 100,
	})
	if err != nil {
		t.Fatalf("ApplyOrder returned error: %v", err)
	}
	if applied {
		t.Fatal("expected duplicate delivery to be skipped")
	}
	expectMet(t, mock)
}

func TestApplyOrderWithoutCreditsOnlyRecordsLedger(t *testing.T) {
	s, mock := newMockStore(t)
	userID := int64(7)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO processed_orders`)).
		WillReturnRows(sqlmock.NewRows([]string{"order_id"}).AddRow("ord_2"))
	mock.ExpectCommit()

	applied, err := s.ApplyOrder(context.Background(), models.ProcessedOrder{
		OrderID: "ord_2", EventType: "order.paid", UserID: &userID,
	})
	if err != nil || !applied {
		t.Fatalf("expected applied ledger entry, got %v, %v", applied, err)
	}
	expectMet(t, mock)
}

func TestApplyOrderRequiresOrderID(t *testing.T) {
	s, mock := newMockStore(t)
	if _, err := s.ApplyOrder(context.Background(), models.ProcessedOrder{}); err == nil {
		t.Fatal("expected error for empty order id")
	}
	expectMet(t, mock)
}

func TestGetBalanceMissingRowIsZero(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT balance FROM credits`)).
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}))

	balance, err := s.GetBalance(context.Background(), 4)
	if err != nil || balance != 0 {
		t.Fatalf("expected zero balance, got %d, %v", balance, err)
	}
	expectMet(t, mock)
}

func TestDeductCreditsInsufficient(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE credits`)).
		WithArgs(int64(4), int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}))

	if _, err := s.DeductCredits(context.Background(), 4, 10); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	expectMet(t, mock)
}

func TestCreatePendingCheckoutReturnsExistingID(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO pending_checkouts`)).
		WithArgs(sqlmock.AnyArg(), "co_1", int64(2), "PRO", "prod_pro").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM pending_checkouts WHERE checkout_id = $1`)).
		WithArgs("co_1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("existing-id"))

	id, err := s.CreatePendingCheckout(context.Background(), "co_1", 2, "PRO", "prod_pro")
	if err != nil {
		t.Fatalf("CreatePendingCheckout returned error: %v", err)
	}
	if id != "existing-id" {
		t.Fatalf("expected existing id, got %s", id)
	}
	expectMet(t, mock)
}

func TestMarkCheckoutPaidTransitions(t *testing.T) {
	cases := []struct {
		name     string
		affected int64
		exists   bool
		want     Transition
	}{
		{name: "pending", affected: 1, want: TransitionApplied},
		{name: "terminal", affected: 0, exists: true, want: TransitionTerminal},
		{name: "unknown", affected: 0, exists: false, want: TransitionUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, mock := newMockStore(t)

			mock.ExpectExec(regexp.QuoteMeta(`UPDATE pending_checkouts`)).
				WithArgs("co_1", "ord_1").
				WillReturnResult(sqlmock.NewResult(0, tc.affected))
			if tc.affected == 0 {
				mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS`)).
					WithArgs("co_1").
					WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(tc.exists))
			}

			got, err := s.MarkCheckoutPaid(context.Background(), "co_1", "ord_1")
			if err != nil {
				t.Fatalf("MarkCheckoutPaid returned error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
			expectMet(t, mock)
		})
	}
}

func TestDeleteActionsBeforeIsBounded(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := time.Now().Add(-time.Hour)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM rate_limits WHERE id IN`)).
		WithArgs(cutoff, 100).
		WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := s.DeleteActionsBefore(context.Background(), cutoff, 100)
	if err != nil {
		t.Fatalf("DeleteActionsBefore returned error: %v", err)
	}
	if n != 42 {
		t.Fatalf("expected 42 deleted, got %d", n)
	}
	expectMet(t, mock)
}

func TestUpdateFeedbackStatusNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE feedback SET status = $2 WHERE id = $1`)).
		WithArgs("fb-1", "resolved").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.UpdateFeedbackStatus(context.Background(), "fb-1", models.FeedbackResolved); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	expectMet(t, mock)
}

func TestUpsertCustomerLinkConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO billing_customers`)).
		WithArgs(int64(1), "cus_1").
		WillReturnError(&pq.Error{Code: "23505"})

	if err := s.UpsertCustomerLink(context.Background(), 1, "cus_1"); !errors.Is(err, ErrCustomerLinked) {
		t.Fatalf("expected ErrCustomerLinked, got %v", err)
	}
	expectMet(t, mock)
}

func TestCurrentSubscriptionNone(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM subscriptions`)).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	sub, err := s.CurrentSubscription(context.Background(), 1)
	if err != nil || sub != nil {
		t.Fatalf("expected no subscription, got %v, %v", sub, err)
	}
	expectMet(t, mock)
}

func TestClaimNextJobEmptyQueue(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	js, err := NewJobStore(db)
	if err != nil {
		t.Fatalf("NewJobStore returned error: %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE SKIP LOCKED`)).
		WithArgs("worker-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	job, err := js.ClaimNextJob(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("ClaimNextJob returned error: %v", err)
	}
	if job != nil {
		t.Fatalf("expected no job, got %+v", job)
	}
	expectMet(t, mock)
}

func TestClaimNextJobScansPayload(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()
	js := &JobStore{db: db}

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "job_type", "payload", "status", "priority", "attempts", "max_attempts",
		"created_at", "updated_at", "scheduled_for", "last_error", "retry_after", "completed_at", "worker_id",
	}).AddRow(11, models.JobSendEmail, []byte(`{"to":"a@example.com","credits":100}`), "processing", "normal", 1, 1,
		now, now, nil, nil, nil, nil, "worker-1")

	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE jobs`)).WithArgs("worker-1").WillReturnRows(rows)

	job, err := js.ClaimNextJob(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("ClaimNextJob returned error: %v", err)
	}
	if job == nil || job.ID != 11 {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.Payload.String("to") != "a@example.com" || job.Payload.Int("credits") != 100 {
		t.Fatalf("unexpected payload: %v", job.Payload)
	}
	if job.WorkerID == nil || *job.WorkerID != "worker-1" {
		t.Fatalf("expected worker id, got %v", job.WorkerID)
	}
	expectMet(t, mock)
}
