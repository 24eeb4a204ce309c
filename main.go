package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Martian-dev/mailsync-infra/internal/auth"
	"github.com/Martian-dev/mailsync-infra/internal/classify"
	"github.com/Martian-dev/mailsync-infra/internal/config"
	"github.com/Martian-dev/mailsync-infra/internal/natsjs"
	"github.com/Martian-dev/mailsync-infra/internal/notify"
	"github.com/Martian-dev/mailsync-infra/internal/providers/gmail"
	"github.com/Martian-dev/mailsync-infra/internal/providers/outlook"
	"github.com/Martian-dev/mailsync-infra/internal/store"
	"github.com/Martian-dev/mailsync-infra/internal/sync"
)

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type AccountRequest struct {
	Provider      string `json:"provider" binding:"required"`
	EmailAddress  string `json:"email_address" binding:"required"`
	CredentialRef string `json:"credential_ref" binding:"required"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatal(err)
	}

	// Local user database for API authentication
	authDB, err := sql.Open("sqlite3", filepath.Join(cfg.DataDir, "auth.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer authDB.Close()

	_, err = authDB.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		log.Fatal(err)
	}

	authService := auth.NewAuthService(authDB)
	sessions := auth.NewSessionSigner([]byte(cfg.JWTSecret), cfg.SessionTTL)

	mailStore, err := store.Open(filepath.Join(cfg.DataDir, "mail.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer mailStore.Close()

	publisher, err := natsjs.NewPublisher(cfg.NATSURL)
	if err != nil {
		log.Fatal(err)
	}
	defer publisher.Close()

	tokens := auth.NewTokenClient(cfg.CredServerURL)

	gateways := map[sync.ProviderName]sync.Gateway{
		sync.ProviderGoogle:    gmail.New(tokens, cfg.GmailPubSubTopic),
		sync.ProviderMicrosoft: outlook.New(tokens, cfg.GraphNotifyURL),
	}

	dispatcher := classify.New(cfg.ClassifierAPIKey, mailStore, cfg.ClassifierModel)

	engine := sync.NewEngine(mailStore, mailStore, gateways, dispatcher)
	engine.Recovery = sync.RecoveryPolicy(cfg.SyncRecovery)
	engine.FetchConcurrency = cfg.FetchConcurrency

	manager := sync.NewManager(engine, mailStore, mailStore, publisher)
	manager.SyncInterval = cfg.SyncInterval
	manager.RenewLead = cfg.WatchRenewLead

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go dispatcher.Run(ctx)
	go manager.RunOutbox(ctx)

	// Resume maintenance for accounts that already have a watch on record
	accounts, err := mailStore.Accounts(ctx)
	if err != nil {
		log.Fatal(err)
	}
	for _, account := range accounts {
		if err := manager.StartAccount(ctx, account.ID); err != nil {
			slog.Error("failed to resume maintenance", "account_id", account.ID, "error", err)
		}
	}

	r := gin.Default()

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/register", func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		user, err := authService.CreateUser(req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusCreated, user)
	})

	r.POST("/login", func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		user, err := authService.ValidateUser(req.Username, req.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		token, err := sessions.Issue(user)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"token": token,
			"user":  user,
		})
	})

	// Provider push deliveries are at-least-once: acknowledge as soon as
	// the payload decodes, then sync in the background. Slow or failing
	// responses here only cause the transport to redeliver.
	r.POST("/notifications/gmail", func(c *gin.Context) {
		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}

		event, err := notify.Decode(raw)
		if err != nil {
			slog.Warn("discarding malformed notification", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad notification"})
			return
		}

		go func() {
			syncCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			defer cancel()
			if err := manager.HandleNotification(syncCtx, event.EmailAddress, event.CursorHint); err != nil {
				slog.Error("notification sync failed",
					"mailbox", event.EmailAddress,
					"cursor_hint", event.CursorHint,
					"error", err,
				)
			}
		}()

		c.Status(http.StatusNoContent)
	})

	authorized := r.Group("/")
	authorized.Use(authMiddleware(sessions))

	authorized.POST("/accounts", func(c *gin.Context) {
		var req AccountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		provider := sync.ProviderName(req.Provider)
		if _, ok := gateways[provider]; !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported provider %q", req.Provider)})
			return
		}

		account := &sync.Account{
			UserID:        c.GetString("user_id"),
			Provider:      provider,
			EmailAddress:  req.EmailAddress,
			CredentialRef: req.CredentialRef,
		}
		if err := mailStore.CreateAccount(c.Request.Context(), account); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if err := manager.StartAccount(ctx, account.ID); err != nil {
			slog.Error("failed to start maintenance", "account_id", account.ID, "error", err)
		}

		c.JSON(http.StatusCreated, gin.H{"id": account.ID})
	})

	authorized.POST("/accounts/:id/sync", func(c *gin.Context) {
		if err := engine.SyncNow(c.Request.Context(), c.Param("id")); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "synced"})
	})

	authorized.POST("/accounts/:id/watch", func(c *gin.Context) {
		if err := engine.EstablishWatch(c.Request.Context(), c.Param("id")); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		if !manager.Running(c.Param("id")) {
			if err := manager.StartAccount(ctx, c.Param("id")); err != nil {
				slog.Error("failed to start maintenance", "account_id", c.Param("id"), "error", err)
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "watching"})
	})

	authorized.GET("/emails", func(c *gin.Context) {
		accountID := c.Query("account_id")
		if accountID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "account_id is required"})
			return
		}
		status := c.DefaultQuery("status", sync.StatusInbox)

		messages, err := mailStore.Messages(c.Request.Context(), accountID, status)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, messages)
	})

	statusRoutes := map[string]string{
		"archive": sync.StatusArchived,
		"delete":  sync.StatusDeleted,
		"pin":     sync.StatusPinned,
	}
	for action, status := range statusRoutes {
		status := status
		authorized.POST("/emails/:id/"+action, func(c *gin.Context) {
			ok, err := mailStore.SetStatus(c.Request.Context(), c.Param("id"), status)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			if !ok {
				c.JSON(http.StatusNotFound, gin.H{"error": "email not found"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": status})
		})
	}

	log.Fatal(r.Run(fmt.Sprintf(":%d", cfg.Port)))
}

func authMiddleware(sessions *auth.SessionSigner) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.GetHeader("Authorization")
		if tokenString == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			c.Abort()
			return
		}

		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		userID, username, err := sessions.Verify(tokenString)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Set("user_id", fmt.Sprintf("%d", userID))
		c.Set("username", username)
		c.Next()
	}
}
