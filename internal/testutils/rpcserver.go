package testutils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dalfonso89/resilient-rpc/internal/models"
)

// RPCReply scripts one JSON-RPC response.
type RPCReply struct {
	Status int
	Result interface{}
	Error  *models.JSONRPCError
	Delay  time.Duration
	Header map[string]string
}

// RPCHandler decides the reply for an incoming request.
type RPCHandler func(request models.JSONRPCRequest) RPCReply

// RPCServer is an httptest JSON-RPC server recording the calls it receives.
type RPCServer struct {
	*httptest.Server

	handler RPCHandler
	calls   atomic.Int64

	mu      sync.Mutex
	methods map[string]int
}

// NewRPCServer starts a scripted JSON-RPC server closed at test cleanup.
func NewRPCServer(t testing.TB, handler RPCHandler) *RPCServer {
	t.Helper()

	rpcServer := &RPCServer{handler: handler, methods: make(map[string]int)}
	rpcServer.Server = httptest.NewServer(http.HandlerFunc(rpcServer.serve))
	t.Cleanup(rpcServer.Close)
	return rpcServer
}

func (rpcServer *RPCServer) serve(responseWriter http.ResponseWriter, request *http.Request) {
	var rpcRequest models.JSONRPCRequest
	if err := json.NewDecoder(request.Body).Decode(&rpcRequest); err != nil {
		http.Error(responseWriter, "bad request", http.StatusBadRequest)
		return
	}

	rpcServer.calls.Add(1)
	rpcServer.mu.Lock()
	rpcServer.methods[rpcRequest.Method]++
	rpcServer.mu.Unlock()

	reply := rpcServer.handler(rpcRequest)
	if reply.Delay > 0 {
		select {
		case <-time.After(reply.Delay):
		case <-request.Context().Done():
			return
		}
	}

	for key, value := range reply.Header {
		responseWriter.Header().Set(key, value)
	}
	responseWriter.Header().Set("Content-Type", "application/json")

	status := reply.Status
	if status == 0 {
		status = http.StatusOK
	}
	if status != http.StatusOK {
		responseWriter.WriteHeader(status)
		return
	}

	response := models.JSONRPCResponse{JSONRPC: models.JSONRPCVersion, ID: rpcRequest.ID, Error: reply.Error}
	if reply.Error == nil {
		result, err := json.Marshal(reply.Result)
		if err != nil {
			http.Error(responseWriter, err.Error(), http.StatusInternalServerError)
			return
		}
		response.Result = result
	}
	json.NewEncoder(responseWriter).Encode(response)
}

// Calls reports how many requests were received.
func (rpcServer *RPCServer) Calls() int {
	return int(rpcServer.calls.Load())
}

// CallsFor reports how many requests for method were received.
func (rpcServer *RPCServer) CallsFor(method string) int {
	rpcServer.mu.Lock()
	defer rpcServer.mu.Unlock()
	return rpcServer.methods[method]
}

// StaticResult replies with the same result to every request.
func StaticResult(result interface{}) RPCHandler {
	return func(models.JSONRPCRequest) RPCReply {
		return RPCReply{Result: result}
	}
}

// StatusReply replies with a bare HTTP status to every request.
func StatusReply(status int) RPCHandler {
	return func(models.JSONRPCRequest) RPCReply {
		return RPCReply{Status: status}
	}
}

// Sequence replies with the scripted replies in order, repeating the last one.
func Sequence(replies ...RPCReply) RPCHandler {
	var next atomic.Int64
	return func(models.JSONRPCRequest) RPCReply {
		index := int(next.Add(1)) - 1
		if index >= len(replies) {
			index = len(replies) - 1
		}
		return replies[index]
	}
}
