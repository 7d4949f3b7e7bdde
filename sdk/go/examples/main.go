package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/hsinghb/A2A-AI-Trading-System/sdk/go/a2a"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/dids", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(a2a.AgentRecord{
			DID:        "did:eth:0x00000000000000000000000000000000000000aa",
			PublicKey:  "0x04aa",
			Reputation: 50,
			IsActive:   true,
		})
	})
	mux.HandleFunc("/api/v1/trading/process", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(a2a.TradingResponse{
			RequestID: "req-demo",
			Status:    "COMPLETED",
			Decision: &a2a.Decision{
				Proceed:    true,
				Action:     "buy",
				Summary:    "增长目标符合,风险敞口在约束内",
				Confidence: 0.8,
			},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := a2a.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	record, err := client.RegisterDID(ctx, a2a.RegisterSubmission{
		DID:          "did:eth:0x00000000000000000000000000000000000000aa",
		PublicKey:    "0x04aa",
		AuthorizedBy: "did:eth:0x00000000000000000000000000000000000000ad",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("registered %s with reputation %d\n", record.DID, record.Reputation)

	client.SetSessionToken("demo-trigger-token")
	resp, err := client.ProcessTrading(ctx, a2a.TradingRequest{
		Goals:       a2a.Goals{Assets: []string{"ETH"}, Objective: "growth"},
		Constraints: a2a.Constraints{AllowedAssets: []string{"ETH"}, MaxExposure: 0.2},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("request %s finished with status %s action %s\n", resp.RequestID, resp.Status, resp.Decision.Action)
}
