// Package webhook accepts HMAC-signed HTTP triggers and turns each one into a
// detached job.
//
// Every endpoint is bound to one work type. The request body must be a JSON
// object and becomes the job's arguments. The response carries the job id;
// the result is parked until it is claimed with GET /jobs/{id} on the API.
//
//	webhooks:
//	  listen: "127.0.0.1:8091"
//	  endpoints:
//	    - path: /hooks/refresh-co2
//	      work_type: FETCH
//	      secret: ${REFRESH_HOOK_SECRET}
//	      signature_header: X-Hub-Signature-256
//	      max_body_size: 64KB
//
// Responses:
//
//   - 202 Accepted with {"job_id", "work_type"}
//   - 400 when the body is not a JSON object
//   - 403 for a missing or wrong signature, without detail
//   - 413 when the body exceeds max_body_size
//   - 503 when the dispatcher is not running
package webhook
