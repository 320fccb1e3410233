package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "ITAM Admin API",
        "description": "Backup, restore and backup scheduling for the IT asset management admin panel",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http",
        "https"
    ],
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "in": "header", "name": "Authorization"}
    },
    "security": [{"BearerAuth": []}],
    "tags": [
        {"name": "Backups", "description": "Snapshots, catalog and restore"},
        {"name": "Backup Schedules", "description": "Recurring backups"}
    ],
    "paths": {
        "/backups": {
            "get": {
                "tags": ["Backups"],
                "summary": "List stored backups",
                "parameters": [
                    {"name": "scheduleId", "in": "query", "type": "string"},
                    {"name": "limit", "in": "query", "type": "integer"},
                    {"name": "offset", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Backups"],
                "summary": "Take a backup of every table",
                "parameters": [
                    {"name": "payload", "in": "body", "schema": {"$ref": "#/definitions/CreateBackupRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "500": {"description": "SNAPSHOT_FAILED", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/backups/{id}": {
            "get": {
                "tags": ["Backups"],
                "summary": "Get backup metadata and a signed download link",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "delete": {
                "tags": ["Backups"],
                "summary": "Delete a backup and its file",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "204": {"description": "Deleted"},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/backups/{id}/download": {
            "get": {
                "tags": ["Backups"],
                "summary": "Download a backup document via signed token",
                "security": [],
                "produces": ["application/json"],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "token", "in": "query", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "Backup document", "schema": {"$ref": "#/definitions/BackupDocument"}},
                    "403": {"description": "Invalid or expired token", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/backups/{id}/restore": {
            "post": {
                "tags": ["Backups"],
                "summary": "Restore a stored backup",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "schema": {"$ref": "#/definitions/RestoreRequest"}}
                ],
                "responses": {
                    "200": {"description": "Restored", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "INVALID_BACKUP_FORMAT", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "RESTORE_IN_PROGRESS", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "500": {"description": "RESTORE_STEP_FAILED with the partial result in data", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/backups/restore/upload": {
            "post": {
                "tags": ["Backups"],
                "summary": "Restore from an uploaded .json or .zip backup",
                "consumes": ["multipart/form-data"],
                "parameters": [
                    {"name": "file", "in": "formData", "required": true, "type": "file"},
                    {"name": "clearExisting", "in": "formData", "type": "boolean"},
                    {"name": "skipUsers", "in": "formData", "type": "boolean"},
                    {"name": "skipNotifications", "in": "formData", "type": "boolean"}
                ],
                "responses": {
                    "200": {"description": "Restored", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "INVALID_BACKUP_FORMAT", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "413": {"description": "File too large", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/system/stats": {
            "get": {
                "tags": ["Backups"],
                "summary": "Row counts, catalog size and next scheduled run",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/backup-schedules": {
            "get": {
                "tags": ["Backup Schedules"],
                "summary": "List backup schedules",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Backup Schedules"],
                "summary": "Schedule a recurring backup",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateBackupScheduleRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Validation error", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/backup-schedules/{id}": {
            "patch": {
                "tags": ["Backup Schedules"],
                "summary": "Enable or disable a schedule",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/UpdateBackupScheduleRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "delete": {
                "tags": ["Backup Schedules"],
                "summary": "Delete a schedule",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "204": {"description": "Deleted"},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/backup-schedules/{id}/run": {
            "post": {
                "tags": ["Backup Schedules"],
                "summary": "Run a schedule now",
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Already running", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "CreateBackupRequest": {
            "type": "object",
            "properties": {
                "name": {"type": "string"},
                "description": {"type": "string"},
                "notify": {"type": "boolean"}
            }
        },
        "RestoreRequest": {
            "type": "object",
            "properties": {
                "clearExisting": {"type": "boolean"},
                "skipUsers": {"type": "boolean"},
                "skipNotifications": {"type": "boolean"}
            }
        },
        "CreateBackupScheduleRequest": {
            "type": "object",
            "required": ["name", "frequency", "timeOfDay"],
            "properties": {
                "name": {"type": "string"},
                "frequency": {"type": "string", "enum": ["daily", "weekly", "monthly"]},
                "timeOfDay": {"type": "string", "example": "02:00"},
                "retentionDays": {"type": "integer"},
                "notify": {"type": "boolean"},
                "enabled": {"type": "boolean"}
            }
        },
        "UpdateBackupScheduleRequest": {
            "type": "object",
            "required": ["enabled"],
            "properties": {
                "enabled": {"type": "boolean"}
            }
        },
        "BackupDocument": {
            "type": "object",
            "properties": {
                "timestamp": {"type": "string", "format": "date-time"},
                "version": {"type": "string"},
                "name": {"type": "string"},
                "description": {"type": "string"},
                "tables": {"type": "object"},
                "metadata": {
                    "type": "object",
                    "properties": {
                        "totalAssets": {"type": "integer"},
                        "totalUsers": {"type": "integer"},
                        "totalIssues": {"type": "integer"},
                        "backupSize": {"type": "integer"}
                    }
                }
            }
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total_count": {"type": "integer"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"},
                "details": {"type": "object"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
