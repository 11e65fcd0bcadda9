package rpcnode

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const clientVersion = "forkdb/v0.1.0"

type jsonRPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcBlock is the slice of a block this server exposes, enough for clients
// that resolve numbers to hashes.
type rpcBlock struct {
	Number hexutil.Uint64 `json:"number"`
	Hash   common.Hash    `json:"hash"`
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeResponse(w, &jsonRPCResponse{JSONRPC: "2.0", Error: &rpcError{Code: -32700, Message: "parse error"}})
		return
	}

	resp := &jsonRPCResponse{JSONRPC: "2.0", ID: req.ID}
	result, rpcErr := s.call(req.Method, req.Params)
	if rpcErr != nil {
		resp.Error = rpcErr
		s.log.Debug("rpc call failed", "method", req.Method, "code", rpcErr.Code, "msg", rpcErr.Message)
	} else {
		resp.Result = result
	}
	s.writeResponse(w, resp)
}

func (s *Server) writeResponse(w http.ResponseWriter, resp *jsonRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warn("failed to write rpc response", "err", err)
	}
}

// call dispatches one method. Block tags on state methods are accepted and
// ignored; the source always answers at its pinned block.
func (s *Server) call(method string, params []json.RawMessage) (interface{}, *rpcError) {
	switch method {
	case "web3_clientVersion":
		return clientVersion, nil

	case "eth_chainId":
		return (*hexutil.Big)(s.source.ChainID()), nil

	case "eth_blockNumber":
		return hexutil.Uint64(s.source.BlockNumber()), nil

	case "eth_gasPrice":
		return (*hexutil.Big)(s.source.GasPrice()), nil

	case "eth_getBalance":
		addr, perr := addressParam(params, 0)
		if perr != nil {
			return nil, perr
		}
		bal, err := s.source.Balance(addr)
		if err != nil {
			return nil, serverError(err)
		}
		return (*hexutil.Big)(bal), nil

	case "eth_getTransactionCount":
		addr, perr := addressParam(params, 0)
		if perr != nil {
			return nil, perr
		}
		nonce, err := s.source.Nonce(addr)
		if err != nil {
			return nil, serverError(err)
		}
		return hexutil.Uint64(nonce), nil

	case "eth_getCode":
		addr, perr := addressParam(params, 0)
		if perr != nil {
			return nil, perr
		}
		code, err := s.source.Code(addr)
		if err != nil {
			return nil, serverError(err)
		}
		return hexutil.Bytes(code), nil

	case "eth_getStorageAt":
		addr, perr := addressParam(params, 0)
		if perr != nil {
			return nil, perr
		}
		slot, perr := hashParam(params, 1)
		if perr != nil {
			return nil, perr
		}
		val, err := s.source.StorageAt(addr, slot)
		if err != nil {
			return nil, serverError(err)
		}
		return val, nil

	case "eth_getBlockByNumber":
		number, perr := s.blockNumberParam(params, 0)
		if perr != nil {
			return nil, perr
		}
		hash, err := s.source.BlockHash(number)
		if err != nil {
			return nil, serverError(err)
		}
		return &rpcBlock{Number: hexutil.Uint64(number), Hash: hash}, nil

	default:
		return nil, &rpcError{Code: -32601, Message: "method not found: " + method}
	}
}

func addressParam(params []json.RawMessage, i int) (common.Address, *rpcError) {
	var raw string
	if i >= len(params) || json.Unmarshal(params[i], &raw) != nil || !common.IsHexAddress(raw) {
		return common.Address{}, invalidParams(fmt.Sprintf("expected address at position %d", i))
	}
	return common.HexToAddress(raw), nil
}

func hashParam(params []json.RawMessage, i int) (common.Hash, *rpcError) {
	var raw string
	if i >= len(params) || json.Unmarshal(params[i], &raw) != nil {
		return common.Hash{}, invalidParams(fmt.Sprintf("expected hash at position %d", i))
	}
	return common.HexToHash(raw), nil
}

func (s *Server) blockNumberParam(params []json.RawMessage, i int) (uint64, *rpcError) {
	var tag string
	if i >= len(params) || json.Unmarshal(params[i], &tag) != nil {
		return 0, invalidParams(fmt.Sprintf("expected block number at position %d", i))
	}
	switch tag {
	case "latest", "pending", "safe", "finalized":
		return s.source.BlockNumber(), nil
	case "earliest":
		return 0, nil
	}
	n, err := hexutil.DecodeUint64(tag)
	if err != nil {
		return 0, invalidParams("malformed block number " + tag)
	}
	return n, nil
}

func invalidParams(msg string) *rpcError {
	return &rpcError{Code: -32602, Message: "invalid params: " + msg}
}

func serverError(err error) *rpcError {
	return &rpcError{Code: -32000, Message: err.Error()}
}
