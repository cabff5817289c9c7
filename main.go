package main

import (
	"context"
	"log"
	"math/big"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gorilla/mux"
)

// Configurable paths & chain settings (overridable via env).
var (
	uploadDir     = envDefault("ARTSTORE_UPLOAD_DIR", "uploads")
	recordDBPath  = envDefault("ARTSTORE_RECORD_DB_PATH", "uploads/records.db")
	rpcURL        = envDefault("ARTSTORE_RPC_URL", "http://localhost:8545")
	gatewayBase   = envDefault("ARTSTORE_GATEWAY_BASE", "http://localhost:5678")
	aiBase        = envDefault("ARTSTORE_AI_BASE", "http://localhost:7070")
	oracleAddrHex = envDefault("ARTSTORE_ORACLE_ADDR", "")
	registryHex   = envDefault("ARTSTORE_REGISTRY_ADDR", "")
	nftAddrHex    = envDefault("ARTSTORE_NFT_ADDR", "")
	signerKeyHex  = envDefault("ARTSTORE_SIGNER_KEY", "")
	chainIDNum    = envInt("ARTSTORE_CHAIN_ID", 16600)
	storageNodes  = splitList(envDefault("ARTSTORE_STORAGE_NODES", ""))

	chainCallTimeout = time.Duration(envInt("ARTSTORE_CHAIN_CALL_TIMEOUT_SECONDS", 10)) * time.Second
	txConfirmTimeout = time.Duration(envInt("ARTSTORE_TX_CONFIRM_TIMEOUT_SECONDS", 120)) * time.Second
	aiCallTimeout    = time.Duration(envInt("ARTSTORE_AI_TIMEOUT_SECONDS", 120)) * time.Second
	uploadTimeout    = time.Duration(envInt("ARTSTORE_UPLOAD_TIMEOUT_SECONDS", 300)) * time.Second
	// A full batch sits behind several sequential generations plus chain
	// waits; bound it generously so stuck items still fail instead of
	// hanging forever.
	batchRunTimeout = time.Duration(envInt("ARTSTORE_BATCH_TIMEOUT_SECONDS", 3600)) * time.Second

	replicaCount    = envInt("ARTSTORE_REPLICA_COUNT", 1)
	replicaTaskSize = envInt("ARTSTORE_REPLICA_TASK_SIZE", 1024)

	maxUploadBytes = int64(envInt("ARTSTORE_MAX_UPLOAD_MB", 32)) * 1024 * 1024
	maxBatchItems  = envInt("ARTSTORE_MAX_BATCH_ITEMS", 50)
)

// pipelineBatchSize is the fan-out width of the upload and mint phases:
// five concurrent uploads per group, five items per batchMint call.
const pipelineBatchSize = 5

var storageHTTPClient = &http.Client{Timeout: 60 * time.Second}

// Shared service state, wired at startup. Tests wire stubs directly.
var (
	chainClient  chainBackend
	registryAddr common.Address
	records      *recordStore
	storage      *uploader
	batches      = newBatchStore()
	pipeline     *pipelineController
)

func buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", HealthCheck).Methods("GET", "OPTIONS")
	r.HandleFunc("/chain/status", ChainStatus).Methods("GET", "OPTIONS")
	r.HandleFunc("/chain/submissions/{root}", SubmissionsForRoot).Methods("GET", "OPTIONS")
	r.HandleFunc("/gateway/upload", GatewayUpload).Methods("POST", "OPTIONS")
	r.HandleFunc("/gateway/upload-status", GatewayUploadStatus).Methods("GET", "OPTIONS")
	r.HandleFunc("/pipeline/batches", PipelineCreateBatch).Methods("POST", "OPTIONS")
	r.HandleFunc("/pipeline/batches/{id}", PipelineBatchStatus).Methods("GET", "OPTIONS")
	r.HandleFunc("/pipeline/batches/{id}/items/{itemID}/retry", PipelineRetryItem).Methods("POST", "OPTIONS")
	return r
}

func main() {
	listenAddr := envDefault("ARTSTORE_LISTEN_ADDR", ":5678")

	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		log.Fatalf("failed to create upload dir %s: %v", uploadDir, err)
	}

	var err error
	records, err = openRecordStore(recordDBPath)
	if err != nil {
		log.Fatalf("failed to open record db %s: %v", recordDBPath, err)
	}

	if signerKeyHex == "" {
		log.Fatalf("ARTSTORE_SIGNER_KEY is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(signerKeyHex, "0x"))
	if err != nil {
		log.Fatalf("invalid ARTSTORE_SIGNER_KEY: %v", err)
	}
	oracleAddr, err := parseAddr(oracleAddrHex, "ARTSTORE_ORACLE_ADDR")
	if err != nil {
		log.Fatal(err)
	}
	registryAddr, err = parseAddr(registryHex, "ARTSTORE_REGISTRY_ADDR")
	if err != nil {
		log.Fatal(err)
	}
	nftAddr, err := parseAddr(nftAddrHex, "ARTSTORE_NFT_ADDR")
	if err != nil {
		log.Fatal(err)
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		log.Fatalf("failed to dial RPC %s: %v", rpcURL, err)
	}
	chainClient = client

	chainID := big.NewInt(int64(chainIDNum))
	if onchainID, err := client.ChainID(context.Background()); err == nil {
		chainID = onchainID
	} else {
		log.Printf("ChainID query failed, using configured %d: %v", chainIDNum, err)
	}

	sender := newTxSender(chainClient, key, chainID)
	storage = &uploader{
		backend:   chainClient,
		sender:    sender,
		oracle:    oracleAddr,
		registry:  registryAddr,
		endpoints: storageNodes,
		records:   records,
	}
	ai := newAIClient(aiBase)
	m := &minter{sender: sender, nft: nftAddr}
	pipeline = newPipelineController(pipelineDeps{
		generateImage:    ai.generateImage,
		generateMetadata: ai.generateMetadata,
		upload:           storage.uploadPayload,
		mintBatch:        m.mintBatch,
		mintOne:          m.mintOne,
	}, batches, records, sender.address())

	if len(storageNodes) == 0 {
		log.Printf("warning: no storage nodes configured, uploads will register roots without replication")
	}

	log.Printf("Starting ArtStore Gateway on %s (signer %s)", listenAddr, sender.address().Hex())
	log.Fatal(http.ListenAndServe(listenAddr, buildRouter()))
}

func parseAddr(raw, name string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, &configError{name: name, value: raw}
	}
	return common.HexToAddress(raw), nil
}

type configError struct {
	name  string
	value string
}

func (e *configError) Error() string {
	if e.value == "" {
		return e.name + " is required"
	}
	return e.name + " is not a valid address: " + e.value
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
