// Package modelmux brokers chat requests from many concurrent callers onto a
// pool of rate-limited, pay-per-use model endpoints. It manages credential
// assignment and daily quotas, discovers and categorizes the upstream model
// catalog, tracks per-model health behind circuit breakers, and executes
// requests through a fallback chain with bounded retries.
//
// Basic usage:
//
//	broker, err := modelmux.New(
//	    modelmux.WithStrategy("performance"),
//	    modelmux.WithPreferFree(true),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer broker.Close()
//
//	id, _ := broker.AddCredential(ctx, os.Getenv("OPENROUTER_API_KEY"), 50, "free")
//	_ = id
//
//	resp, err := broker.Completion(ctx, &modelmux.CompletionRequest{
//	    InstanceID: "worker-1",
//	    Category:   modelmux.CategoryChat,
//	    Messages:   []modelmux.Message{modelmux.TextMessage("user", "Hello!")},
//	})
package modelmux

import (
	"github.com/modelmux/modelmux/pkg/types"
)

// Version is the current version of the broker.
const Version = "1.0.0"

// Re-export core types for convenience so callers rarely need to import
// pkg/types directly.
type (
	// Message is a single chat message.
	Message = types.Message

	// ChatResponse is the upstream completion response.
	ChatResponse = types.ChatResponse

	// ModelDescriptor is one entry of the discovered catalog.
	ModelDescriptor = types.ModelDescriptor

	// Requirements narrows model selection beyond the category.
	Requirements = types.Requirements

	// Category classifies models into capability buckets.
	Category = types.Category
)

// Categories.
const (
	CategoryVision    = types.CategoryVision
	CategoryReasoning = types.CategoryReasoning
	CategoryChat      = types.CategoryChat
	CategoryCode      = types.CategoryCode
	CategoryEmbedding = types.CategoryEmbedding
	CategoryText      = types.CategoryText
)

// TextMessage builds a plain text message.
func TextMessage(role, text string) Message {
	return types.TextMessage(role, text)
}

// ImageMessage builds a user message pairing a prompt with an image URL.
func ImageMessage(prompt, imageURL string) Message {
	return types.ImageMessage(prompt, imageURL)
}
