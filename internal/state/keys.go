package state

// Field names shared by the session graphs. Each key is declared with its
// reducer in the owning graph's schema; the comments note the value type.
const (
	// Conversation and routing.
	KeyMessages  = "messages"          // []any of msglog.Message - append
	KeySender    = "sender"            // string - overwrite
	KeyPlannerID = "planner_thread_id" // string - overwrite
	KeyWorkerID  = "worker_thread_id"  // string - overwrite

	// Planning session.
	KeyPlan             = "plan"              // string, YAML-encoded plan - overwrite
	KeyRevision         = "revision"          // int - overwrite, monotonic
	KeySearchCount      = "search_count"      // int - overwrite, monotonic
	KeyViewCount        = "view_count"        // int - overwrite, monotonic
	KeyEnoughContext    = "enough_context"    // bool - overwrite
	KeyPlanAttempts     = "plan_attempts"     // int - overwrite, generation attempts per cycle
	KeyApprovalDecision = "approval_decision" // string - overwrite: accepted | rejected
	KeyFeedback         = "feedback"          // string - overwrite

	// Execution session.
	KeyCurrentSteps   = "current_steps"   // []any of step ids - overwrite
	KeyCompletedSteps = "completed_steps" // []any of step ids - union
	KeyRetryCount     = "retry_count"     // int - overwrite, per current wave
	KeyStepFailures   = "step_failures"   // []any - append
	KeyNeedsDocs      = "needs_docs"      // bool - overwrite
	KeyTestsPassed    = "tests_passed"    // bool - overwrite

	// Quality gate.
	KeyReviewIterations = "review_iterations" // int - overwrite, monotonic
	KeyChecksFailed     = "checks_failed"     // []any of category names - overwrite
	KeyVerdict          = "verdict"           // string - overwrite: approved | feedback
	KeyForcedApproval   = "forced_approval"   // bool - overwrite

	// Terminal result.
	KeyResultRef  = "result_ref"  // string - overwrite, PR or issue reference
	KeyFailReason = "fail_reason" // string - overwrite
)
