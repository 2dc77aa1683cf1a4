// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package safety moderates learner-facing content.

A Matrix holds one Policy per (subject, grade band) pair, built from
DefaultRules plus configuration overrides. Lookups for a missing or disabled
pair resolve to the general/adult policy, so Engine.Moderate always returns a
Result.

Evaluation order for a policy:

 1. Allowed-topic phrases are blanked out.
 2. Each enabled rule scores its keyword and pattern hits; a rule fires when
    its category score reaches the threshold (policy override, then rule,
    then DefaultRuleThreshold).
 3. Blocked topics raise severity to moderate.
 4. When SEL escalation is on, the fixed SEL detectors run. Mental health and
    trauma force a critical escalation.
 5. The final action is the more restrictive of the accumulated action and
    the action implied by severity. Escalate is never downgraded.

Results that require audit go to an AuditRecorder (usually an AuditQueue
backed by PostgresAuditSink); guardian and teacher notifications go to the
policy's webhooks through a Notifier.
*/
package safety
