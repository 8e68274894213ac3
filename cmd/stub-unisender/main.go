// stub-unisender is a local stand-in for the transactional email API. It
// accepts the send payload and answers with a job id, with optional failure
// injection for exercising the worker's retry path.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"sync/atomic"
)

type sendEnvelope struct {
	APIKey   string `json:"api_key"`
	Username string `json:"username"`
	Message  struct {
		Subject    string `json:"subject"`
		FromEmail  string `json:"from_email"`
		Recipients []struct {
			Email string `json:"email"`
		} `json:"recipients"`
	} `json:"message"`
}

func main() {
	addr := flag.String("addr", ":9900", "listen address")
	failEvery := flag.Int("fail-every", 0, "return HTTP 500 for every Nth request (0 disables)")
	flag.Parse()

	var counter int64

	http.HandleFunc("/ru/transactional/api/v1/email/send.json", func(w http.ResponseWriter, r *http.Request) {
		var env sendEnvelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			http.Error(w, `{"message":"invalid json"}`, http.StatusBadRequest)
			return
		}
		if env.APIKey == "" || env.Username == "" {
			http.Error(w, `{"message":"missing credentials"}`, http.StatusUnauthorized)
			return
		}
		if len(env.Message.Recipients) == 0 {
			http.Error(w, `{"message":"no recipients"}`, http.StatusBadRequest)
			return
		}

		n := atomic.AddInt64(&counter, 1)
		if *failEvery > 0 && n%int64(*failEvery) == 0 {
			log.Printf("injected failure for subject %q", env.Message.Subject)
			http.Error(w, `{"message":"temporary backend error"}`, http.StatusInternalServerError)
			return
		}

		jobID := newJobID()
		log.Printf("accepted subject=%q recipients=%d job_id=%s",
			env.Message.Subject, len(env.Message.Recipients), jobID)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "success",
			"job_id": jobID,
		})
	})

	log.Printf("stub-unisender listening on %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, nil))
}

func newJobID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return "1.stub-" + hex.EncodeToString(b)
}
