// Command seed fills a development database with realistic conversations and
// encrypted message traffic.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"time"

	"carewire/internal/config"
	"carewire/internal/crypto"
	"carewire/internal/database"
	"carewire/internal/models"
	"carewire/internal/registry"
	"carewire/internal/storage"

	"github.com/brianvoe/gofakeit/v6"
)

var departments = []string{
	"Cardiology", "Oncology", "Emergency", "Pediatrics", "Radiology",
	"Surgery", "ICU", "Pharmacy",
}

func main() {
	conversations := flag.Int("conversations", 10, "number of conversations to create")
	usersPerConv := flag.Int("users", 5, "participants per conversation")
	messagesPerConv := flag.Int("messages", 40, "messages per conversation")
	seed := flag.Int64("seed", 0, "random seed (0 uses the current time)")
	flag.Parse()

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	gofakeit.Seed(*seed)
	rng := rand.New(rand.NewSource(*seed))

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}

	codec, err := crypto.NewContentCodec(cfg.ContentSecret)
	if err != nil {
		log.Fatalf("content codec: %v", err)
	}

	store := storage.NewEmbeddedStore(db, codec)
	reg := registry.New(db)
	ctx := context.Background()

	totalMessages := 0
	for i := 0; i < *conversations; i++ {
		dept := departments[rng.Intn(len(departments))]
		conv := &models.Conversation{
			Name:      fmt.Sprintf("%s - %s", dept, gofakeit.AdjectiveDescriptive()),
			Type:      models.ConversationGroup,
			CreatedBy: uint(rng.Intn(*usersPerConv) + 1),
		}
		if err := reg.CreateConversation(ctx, conv); err != nil {
			log.Fatalf("create conversation: %v", err)
		}

		userBase := uint(i**usersPerConv + 1)
		for u := 0; u < *usersPerConv; u++ {
			role := models.RoleMember
			if u == 0 {
				role = models.RoleOwner
			}
			if err := reg.AddParticipant(ctx, conv.ID, userBase+uint(u), role); err != nil {
				log.Fatalf("add participant: %v", err)
			}
		}

		at := time.Now().UTC().Add(-time.Duration(rng.Intn(72)) * time.Hour)
		for m := 0; m < *messagesPerConv; m++ {
			sender := userBase + uint(rng.Intn(*usersPerConv))
			content := gofakeit.Sentence(8 + rng.Intn(12))
			ciphertext, hash, cerr := codec.Encrypt(content)
			if cerr != nil {
				log.Fatalf("encrypt: %v", cerr)
			}
			msg := &models.Message{
				ID:             gofakeit.UUID(),
				ConversationID: conv.ID,
				SenderID:       sender,
				Content:        ciphertext,
				ContentHash:    hash,
				MessageType:    models.MessageTypeText,
				Status:         models.MessageStatusSent,
				Priority:       models.PriorityRoutine,
				CreatedAt:      at,
			}
			if err := store.Store(ctx, msg); err != nil {
				log.Fatalf("store message: %v", err)
			}
			at = at.Add(time.Duration(30+rng.Intn(300)) * time.Second)
			totalMessages++
		}
		if err := reg.TouchLastMessage(ctx, conv.ID, at); err != nil {
			log.Fatalf("touch last message: %v", err)
		}
	}

	log.Printf("seeded %d conversations with %d messages", *conversations, totalMessages)
}
