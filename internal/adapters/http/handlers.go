package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/webrain25/kasyrooms/internal/domain"
	"github.com/webrain25/kasyrooms/internal/store"
	"github.com/webrain25/kasyrooms/internal/wallet"
)

// resolveWallet picks the wallet mode once per request: a payer with an
// external account mapping bills against the shared ledger, everyone else
// against their local balance.
func resolveWallet(userID, externalID string) (domain.WalletRef, bool) {
	if externalID != "" {
		return domain.SharedWallet(externalID), true
	}
	if userID != "" {
		return domain.LocalWallet(userID), true
	}
	return domain.WalletRef{}, false
}

func (api *API) GetICEServers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"iceServers": api.Cfg.ICEServers})
}

type startSessionRequest struct {
	PayerID    string `json:"payerId" binding:"required"`
	ModelID    string `json:"modelId" binding:"required"`
	ExternalID string `json:"externalId"`
}

func (api *API) StartSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ref, ok := resolveWallet(req.PayerID, req.ExternalID)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing payer identity"})
		return
	}

	sess, err := api.Store.Create(c.Request.Context(), req.PayerID, req.ModelID, api.Cfg.RateCC, ref)
	if err != nil {
		if errors.Is(err, store.ErrModelBusy) {
			c.JSON(http.StatusConflict, gin.H{"error": "model is busy"})
			return
		}
		log.Error().Err(err).Str("module", "adapters.http").Msg("create session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":     sess.ID,
		"room":   domain.SessionRoom(sess.ID),
		"rateCc": sess.RateCC,
	})
}

func (api *API) EndSession(c *gin.Context) {
	id := domain.SessionID(c.Param("id"))
	now := time.Now()

	// The store raises the recorded total itself when a concurrent charge
	// landed; passing 0 keeps whatever is current.
	if err := api.Store.End(c.Request.Context(), id, now, 0); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		log.Error().Err(err).Str("module", "adapters.http").Str("session", string(id)).Msg("end session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to end session"})
		return
	}

	sess, err := api.Store.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"durationSec":    int64(sess.Duration(now) / time.Second),
		"totalChargedCc": sess.TotalChargedCC,
	})
}

func (api *API) GetSession(c *gin.Context) {
	sess, err := api.Store.Get(c.Request.Context(), domain.SessionID(c.Param("id")))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (api *API) GetBalance(c *gin.Context) {
	ref, ok := resolveWallet(c.Query("userId"), c.Query("externalId"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing wallet identity"})
		return
	}
	balance, err := api.Ledger.Balance(c.Request.Context(), ref)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read balance"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balanceCc": balance, "mode": ref.Mode})
}

type walletMoveRequest struct {
	UserID     string `json:"userId"`
	ExternalID string `json:"externalId"`
	AmountCC   int64  `json:"amountCc" binding:"required,gt=0"`
	Ref        string `json:"ref"`
}

func (api *API) Deposit(c *gin.Context) {
	var req walletMoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	ref, ok := resolveWallet(req.UserID, req.ExternalID)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing wallet identity"})
		return
	}

	balance, err := api.Ledger.Deposit(c.Request.Context(), ref, req.AmountCC, req.Ref)
	if err != nil {
		if errors.Is(err, wallet.ErrDuplicateRef) {
			c.JSON(http.StatusConflict, gin.H{"error": "duplicate transaction reference", "balanceCc": balance})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "deposit failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balanceCc": balance, "mode": ref.Mode})
}

func (api *API) Withdraw(c *gin.Context) {
	var req walletMoveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	ref, ok := resolveWallet(req.UserID, req.ExternalID)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing wallet identity"})
		return
	}

	balance, err := api.Ledger.Withdraw(c.Request.Context(), ref, req.AmountCC, domain.TxWithdrawal, "user")
	if err != nil {
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient funds", "balanceCc": balance})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "withdrawal failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balanceCc": balance, "mode": ref.Mode})
}

func (api *API) GetTransactions(c *gin.Context) {
	ref, ok := resolveWallet(c.Query("userId"), c.Query("externalId"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing wallet identity"})
		return
	}
	txs, err := api.Ledger.Transactions(c.Request.Context(), ref)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read transactions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

func (api *API) ListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": api.Registry.Rooms()})
}

func (api *API) RoomMembers(c *gin.Context) {
	c.JSON(http.StatusOK, api.Registry.Members(domain.RoomID(c.Param("id"))))
}

func (api *API) EvictRoom(c *gin.Context) {
	api.Registry.EvictRoom(domain.RoomID(c.Param("id")))
	c.Status(http.StatusNoContent)
}
