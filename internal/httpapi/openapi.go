package httpapi

import "net/http"

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(openAPIDocument))
}

// openAPIDocument is the static OpenAPI 3.0 description of the API.
const openAPIDocument = `{
  "openapi": "3.0.3",
  "info": {
    "title": "candlevault",
    "description": "OHLCV market-data warehouse: scheduled backfills, validation scoring, quant feature enrichment, and historical queries.",
    "version": "1.0.0"
  },
  "components": {
    "securitySchemes": {
      "ApiKeyAuth": {"type": "apiKey", "in": "header", "name": "X-API-Key"}
    },
    "schemas": {
      "Error": {
        "type": "object",
        "properties": {"detail": {"type": "string"}},
        "required": ["detail"]
      },
      "Candle": {
        "type": "object",
        "properties": {
          "symbol": {"type": "string"},
          "timeframe": {"type": "string"},
          "time": {"type": "string", "format": "date-time"},
          "open": {"type": "number"},
          "high": {"type": "number"},
          "low": {"type": "number"},
          "close": {"type": "number"},
          "volume": {"type": "number"},
          "source": {"type": "string", "enum": ["primary", "fallback"]},
          "validated": {"type": "boolean"},
          "quality_score": {"type": "number"},
          "gap_detected": {"type": "boolean"},
          "volume_anomaly": {"type": "boolean"},
          "fetched_at": {"type": "string", "format": "date-time"}
        }
      },
      "Symbol": {
        "type": "object",
        "properties": {
          "symbol": {"type": "string"},
          "asset_class": {"type": "string", "enum": ["stock", "etf", "crypto"]},
          "active": {"type": "boolean"},
          "timeframes": {"type": "array", "items": {"type": "string"}},
          "last_backfill": {"type": "string", "format": "date-time"},
          "backfill_status": {"type": "string"},
          "created_at": {"type": "string", "format": "date-time"}
        }
      },
      "BackfillRequest": {
        "type": "object",
        "properties": {
          "symbols": {"type": "array", "items": {"type": "string"}, "minItems": 1, "maxItems": 100},
          "start_date": {"type": "string", "format": "date", "example": "2024-01-01"},
          "end_date": {"type": "string", "format": "date", "example": "2024-01-31"},
          "timeframes": {"type": "array", "items": {"type": "string"}}
        },
        "required": ["symbols", "start_date", "end_date"]
      },
      "Alert": {
        "type": "object",
        "properties": {
          "id": {"type": "string"},
          "kind": {"type": "string", "enum": ["high_error_rate", "data_stale", "scheduler_failed", "upstream_timeout", "custom"]},
          "severity": {"type": "string", "enum": ["info", "warning", "critical"]},
          "symbol": {"type": "string"},
          "message": {"type": "string"},
          "at": {"type": "string", "format": "date-time"}
        }
      }
    }
  },
  "paths": {
    "/health": {
      "get": {
        "summary": "Liveness probe",
        "responses": {"200": {"description": "status, timestamp, scheduler_running"}}
      }
    },
    "/api/v1/status": {
      "get": {
        "summary": "Warehouse status: row counts, validation rate, scheduler and store health",
        "responses": {"200": {"description": "status document"}}
      }
    },
    "/api/v1/historical/{symbol}": {
      "get": {
        "summary": "Historical OHLCV rows for one symbol; responses carry a staleness hint while every upstream circuit is open",
        "parameters": [
          {"name": "symbol", "in": "path", "required": true, "schema": {"type": "string"}},
          {"name": "timeframe", "in": "query", "schema": {"type": "string", "default": "1d"}},
          {"name": "start", "in": "query", "schema": {"type": "string"}},
          {"name": "end", "in": "query", "schema": {"type": "string"}},
          {"name": "validated_only", "in": "query", "schema": {"type": "boolean"}},
          {"name": "min_quality", "in": "query", "schema": {"type": "number"}}
        ],
        "responses": {
          "200": {"description": "candles in range"},
          "400": {"description": "validation error", "content": {"application/json": {"schema": {"$ref": "#/components/schemas/Error"}}}},
          "404": {"description": "unknown symbol or empty range", "content": {"application/json": {"schema": {"$ref": "#/components/schemas/Error"}}}}
        }
      }
    },
    "/api/v1/features/quant/{symbol}": {
      "get": {
        "summary": "OHLCV rows joined with computed quant feature columns",
        "parameters": [
          {"name": "symbol", "in": "path", "required": true, "schema": {"type": "string"}},
          {"name": "timeframe", "in": "query", "schema": {"type": "string", "default": "1d"}},
          {"name": "start", "in": "query", "schema": {"type": "string"}},
          {"name": "end", "in": "query", "schema": {"type": "string"}},
          {"name": "limit", "in": "query", "schema": {"type": "integer", "default": 500, "maximum": 5000}}
        ],
        "responses": {
          "200": {"description": "feature rows"},
          "404": {"description": "unknown symbol or empty range"}
        }
      }
    },
    "/api/v1/symbols": {
      "get": {
        "summary": "Active symbol codes",
        "responses": {"200": {"description": "symbol code list"}}
      },
      "post": {
        "summary": "Register a symbol",
        "security": [{"ApiKeyAuth": []}],
        "responses": {
          "201": {"description": "created", "content": {"application/json": {"schema": {"$ref": "#/components/schemas/Symbol"}}}},
          "400": {"description": "validation error"},
          "401": {"description": "missing or invalid key"}
        }
      }
    },
    "/api/v1/symbols/detailed": {
      "get": {
        "summary": "Full symbol registry with backfill status",
        "responses": {"200": {"description": "symbol list"}}
      }
    },
    "/api/v1/symbols/{symbol}": {
      "delete": {
        "summary": "Deactivate a symbol",
        "security": [{"ApiKeyAuth": []}],
        "parameters": [{"name": "symbol", "in": "path", "required": true, "schema": {"type": "string"}}],
        "responses": {"200": {"description": "deactivated"}, "401": {"description": "unauthorized"}, "404": {"description": "unknown symbol"}}
      }
    },
    "/api/v1/symbols/{symbol}/timeframes": {
      "put": {
        "summary": "Replace the symbol's tracked timeframes",
        "security": [{"ApiKeyAuth": []}],
        "parameters": [{"name": "symbol", "in": "path", "required": true, "schema": {"type": "string"}}],
        "responses": {"200": {"description": "updated"}, "400": {"description": "unknown timeframe"}, "404": {"description": "unknown symbol"}}
      }
    },
    "/api/v1/backfill": {
      "get": {
        "summary": "Backfill execution state: active and recent executions plus run summaries",
        "parameters": [{"name": "limit", "in": "query", "schema": {"type": "integer", "default": 50}}],
        "responses": {"200": {"description": "execution overview"}}
      },
      "post": {
        "summary": "Queue an ad-hoc backfill run",
        "security": [{"ApiKeyAuth": []}],
        "requestBody": {"content": {"application/json": {"schema": {"$ref": "#/components/schemas/BackfillRequest"}}}},
        "responses": {
          "200": {"description": "job queued with job_id"},
          "400": {"description": "validation error"},
          "401": {"description": "unauthorized"},
          "503": {"description": "job queue full"}
        }
      }
    },
    "/api/v1/backfill/{id}": {
      "get": {
        "summary": "One backfill execution by id",
        "parameters": [{"name": "id", "in": "path", "required": true, "schema": {"type": "string"}}],
        "responses": {"200": {"description": "execution state"}, "404": {"description": "unknown execution"}}
      }
    },
    "/api/v1/anomalies": {
      "get": {
        "summary": "Data anomaly log, newest first",
        "parameters": [
          {"name": "symbol", "in": "query", "schema": {"type": "string"}},
          {"name": "severity", "in": "query", "schema": {"type": "string", "enum": ["low", "medium", "high", "critical"]}},
          {"name": "since", "in": "query", "schema": {"type": "string"}},
          {"name": "limit", "in": "query", "schema": {"type": "integer", "default": 100}}
        ],
        "responses": {"200": {"description": "anomaly list"}, "400": {"description": "validation error"}}
      }
    },
    "/api/v1/features/runs": {
      "get": {
        "summary": "Recent feature enrichment runs",
        "parameters": [{"name": "limit", "in": "query", "schema": {"type": "integer", "default": 50}}],
        "responses": {"200": {"description": "run list"}}
      }
    },
    "/api/v1/admin/api-keys": {
      "get": {
        "summary": "List issued API keys",
        "security": [{"ApiKeyAuth": []}],
        "responses": {"200": {"description": "key list, digests withheld"}}
      },
      "post": {
        "summary": "Issue a new API key",
        "security": [{"ApiKeyAuth": []}],
        "responses": {"201": {"description": "key material, shown once"}}
      }
    },
    "/api/v1/admin/api-keys/{id}": {
      "delete": {
        "summary": "Revoke an API key",
        "security": [{"ApiKeyAuth": []}],
        "parameters": [{"name": "id", "in": "path", "required": true, "schema": {"type": "string"}}],
        "responses": {"200": {"description": "revoked"}, "404": {"description": "unknown key"}}
      }
    },
    "/api/v1/admin/audit": {
      "get": {
        "summary": "Authentication audit trail, newest first",
        "security": [{"ApiKeyAuth": []}],
        "parameters": [{"name": "limit", "in": "query", "schema": {"type": "integer", "default": 100}}],
        "responses": {"200": {"description": "audit entries"}}
      }
    },
    "/api/v1/observability/metrics": {
      "get": {
        "summary": "In-memory request metrics, upstream tallies, cache statistics",
        "responses": {"200": {"description": "metrics snapshot"}}
      }
    },
    "/api/v1/observability/alerts": {
      "get": {
        "summary": "Recent alerts, newest first",
        "parameters": [{"name": "limit", "in": "query", "schema": {"type": "integer", "default": 100}}],
        "responses": {"200": {"description": "alert list"}}
      }
    },
    "/metrics": {
      "get": {
        "summary": "Prometheus text exposition",
        "responses": {"200": {"description": "prometheus metrics"}}
      }
    }
  }
}`
