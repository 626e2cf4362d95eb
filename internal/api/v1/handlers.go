package apiv1

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/CreditFox/app/models"
	"github.com/ManuelReschke/CreditFox/app/repository"
	"github.com/ManuelReschke/CreditFox/internal/pkg/credits"
	"github.com/ManuelReschke/CreditFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/CreditFox/internal/pkg/quota"
)

// APIServer implements the internal service-to-service API consumed by the
// generation workers.
type APIServer struct {
	credits *credits.Service
	quota   *quota.Service
	users   repository.UserRepository
}

// NewAPIServer creates a new API server instance
func NewAPIServer(creditsSvc *credits.Service, quotaSvc *quota.Service, users repository.UserRepository) *APIServer {
	return &APIServer{credits: creditsSvc, quota: quotaSvc, users: users}
}

// RegisterHandlers attaches the v1 routes to the given router group.
func RegisterHandlers(router fiber.Router, s *APIServer) {
	router.Get("/ping", s.GetPing)
	router.Post("/users", s.PostUser)
	router.Get("/users/:id", s.GetUser)
	router.Get("/users/:id/credits", s.GetUserCredits)
	router.Get("/users/:id/credits/transactions", s.GetUserCreditTransactions)
	router.Post("/users/:id/credits/debit", s.PostUserCreditDebit)
	router.Post("/users/:id/credits/credit", s.PostUserCreditGrant)
	router.Get("/users/:id/quota/daily", s.GetUserDailyQuota)
	router.Post("/users/:id/quota/consume", s.PostUserQuotaConsume)
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ping": "pong"})
}

type userRequest struct {
	ID    uint   `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// PostUser mirrors an account from the identity service so billing state can
// attach to it. Creating an already-known ID is acknowledged, not an error.
func (s *APIServer) PostUser(c *fiber.Ctx) error {
	var req userRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
	}
	if req.ID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_user_id"})
	}
	user := &models.User{
		ID:     req.ID,
		Name:   req.Name,
		Email:  req.Email,
		Status: models.STATUS_ACTIVE,
	}
	if err := user.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}
	exists, err := s.users.Exists(req.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "user_lookup_failed"})
	}
	if exists {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"created": false, "id": req.ID})
	}
	if err := s.users.Create(user); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "user_create_failed"})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"created": true, "id": user.ID})
}

// GetUser returns the mirrored account row.
func (s *APIServer) GetUser(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return err
	}
	user, err := s.users.GetByID(userID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "user_not_found"})
	}
	return c.Status(fiber.StatusOK).JSON(user)
}

// GetUserCredits returns the credit balance for a user, creating the balance
// row (with the signup bonus) on first access.
func (s *APIServer) GetUserCredits(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return err
	}
	balance, err := s.credits.GetBalance(c.UserContext(), userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "balance_lookup_failed"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"user_id":         balance.UserID,
		"balance":         balance.Balance,
		"lifetime_earned": balance.LifetimeEarned,
		"lifetime_spent":  balance.LifetimeSpent,
	})
}

// GetUserCreditTransactions returns a page of the user's ledger history,
// newest first.
func (s *APIServer) GetUserCreditTransactions(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return err
	}
	offset := c.QueryInt("offset", 0)
	limit := c.QueryInt("limit", 0)
	txs, total, err := s.credits.ListTransactions(c.UserContext(), userID, offset, limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "transaction_lookup_failed"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"transactions": txs,
		"total":        total,
		"offset":       offset,
	})
}

type debitRequest struct {
	GenerationType string `json:"generation_type"`
	Cost           int64  `json:"cost"`
	Metadata       string `json:"metadata"`
}

// PostUserCreditDebit charges a generation against the user's balance. An
// insufficient balance is a regular business outcome, not an HTTP error.
func (s *APIServer) PostUserCreditDebit(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return err
	}
	var req debitRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
	}
	cost := req.Cost
	if cost <= 0 {
		derived, ok := entitlements.GenerationCost(req.GenerationType)
		if !ok {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_generation_type"})
		}
		cost = derived
	}

	tx, err := s.credits.Debit(c.UserContext(), userID, cost, models.CreditTransactionGenerationDebit, credits.Options{
		GenerationType: req.GenerationType,
		MetadataJSON:   req.Metadata,
	})
	if err != nil {
		var insufficient *credits.InsufficientFundsError
		if errors.As(err, &insufficient) {
			return c.Status(fiber.StatusOK).JSON(fiber.Map{
				"success":   false,
				"error":     "insufficient_funds",
				"requested": insufficient.Requested,
				"available": insufficient.Available,
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "debit_failed"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"success":       true,
		"reference_id":  tx.ReferenceID,
		"amount":        tx.Amount,
		"balance_after": tx.BalanceAfter,
	})
}

type creditRequest struct {
	Amount      int64  `json:"amount"`
	Type        string `json:"type"`
	ExternalRef string `json:"external_ref"`
	Metadata    string `json:"metadata"`
}

// PostUserCreditGrant applies an earn-type ledger entry, e.g. a support
// adjustment or promotional grant. Grants carrying an external_ref are
// deduplicated against it.
func (s *APIServer) PostUserCreditGrant(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return err
	}
	var req creditRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
	}
	txType := strings.TrimSpace(req.Type)
	if txType == "" {
		txType = models.CreditTransactionAdminAdjustment
	}
	if !models.IsKnownCreditTransactionType(txType) || txType == models.CreditTransactionGenerationDebit {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_transaction_type"})
	}

	tx, err := s.credits.Credit(c.UserContext(), userID, req.Amount, txType, credits.Options{
		RelatedExternalRef:  req.ExternalRef,
		MetadataJSON:        req.Metadata,
		DedupeByExternalRef: req.ExternalRef != "",
	})
	if errors.Is(err, credits.ErrDuplicateExternalRef) {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"success": true, "duplicate": true})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "credit_failed"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"success":       true,
		"reference_id":  tx.ReferenceID,
		"amount":        tx.Amount,
		"balance_after": tx.BalanceAfter,
	})
}

// GetUserDailyQuota returns the user's quota standing for today.
func (s *APIServer) GetUserDailyQuota(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return err
	}
	status, err := s.quota.GetDailyStatus(c.UserContext(), userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "quota_lookup_failed"})
	}
	return c.Status(fiber.StatusOK).JSON(status)
}

// PostUserQuotaConsume atomically claims one generation slot against the
// user's tier limits. Callers must treat a denied result as final for this
// request; the slot is only consumed when allowed.
func (s *APIServer) PostUserQuotaConsume(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return err
	}
	result, err := s.quota.CheckAndIncrement(c.UserContext(), userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "quota_consume_failed"})
	}
	return c.Status(fiber.StatusOK).JSON(result)
}

func parseUserID(c *fiber.Ctx) (uint, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil || id == 0 {
		return 0, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_user_id"})
	}
	return uint(id), nil
}
