package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"whatsapp-inbox/internal/conversation"
	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/outbound"
	"whatsapp-inbox/internal/storage"
	"whatsapp-inbox/internal/vault"
	"whatsapp-inbox/internal/webhook"
	"whatsapp-inbox/internal/whatsapp"
	"whatsapp-inbox/internal/ws"
)

// Deps are the components the HTTP surface talks to.
type Deps struct {
	Store     *database.Store
	Vault     *vault.Vault
	Providers whatsapp.ProviderFactory
	Objects   storage.ObjectStore
	Hub       *ws.Hub
	Router    *conversation.Router
	Sender    *outbound.Sender
	Media     MediaRetrier
	Webhook   *webhook.Handler

	APIKey      string
	CORSOrigins []string
}

func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	if len(d.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     d.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Api-Key", "X-Operator-ID", "X-Operator-Groups"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now().UTC()})
	})

	if d.Webhook != nil {
		d.Webhook.Register(r)
	}

	realtime := NewRealtimeHandler(d.Store, d.Sender, d.Hub)
	if d.Hub != nil {
		d.Hub.Handler = realtime
		d.Hub.Authorize = realtime.Authorize
		r.GET("/ws", ServeWs(d.Hub, d.APIKey))
	}

	accounts := NewAccountHandler(d.Store, d.Vault, d.Providers, d.Sender)
	conversations := NewConversationHandler(d.Store, d.Router, d.Sender)
	messages := NewMessageHandler(d.Store, d.Sender, d.Objects, d.Media)
	contacts := NewContactHandler(d.Store)

	apiGroup := r.Group("/api", OperatorAuth(d.APIKey))
	{
		admin := apiGroup.Group("/accounts", RequireGroup(AdminGroup))
		{
			admin.POST("", accounts.CreateAccount)
			admin.PUT("/:accountId/credentials", accounts.RotateCredentials)
		}

		accountGroup := apiGroup.Group("/accounts/:accountId")
		{
			accountGroup.GET("/conversations", accounts.ListConversations)
			accountGroup.GET("/templates", accounts.ListTemplates)
			accountGroup.POST("/templates", accounts.RegisterTemplate)
			accountGroup.POST("/initiate", accounts.Initiate)
			accountGroup.GET("/contacts", contacts.ListContacts)
			accountGroup.GET("/contacts/export", contacts.ExportContacts)
		}

		apiGroup.PATCH("/contacts/:id", contacts.UpdateContact)

		convGroup := apiGroup.Group("/conversations/:id")
		{
			convGroup.GET("/messages", conversations.ListMessages)
			convGroup.PATCH("", conversations.Update)
			convGroup.POST("/assign", conversations.Assign)
			convGroup.POST("/release", conversations.Release)
			convGroup.POST("/resolve", conversations.Resolve)
			convGroup.POST("/close", conversations.Close)
			convGroup.GET("/window", conversations.Window)
			convGroup.POST("/messages", conversations.SendText)
			convGroup.POST("/media", conversations.SendMedia)
			convGroup.POST("/template", conversations.SendTemplate)
			convGroup.POST("/read", conversations.MarkRead)
		}

		msgGroup := apiGroup.Group("/messages/:id")
		{
			msgGroup.POST("/resend", messages.Resend)
			msgGroup.GET("/media", messages.MediaURL)
			msgGroup.POST("/media/retry", messages.RetryMedia)
		}
	}

	return r
}
