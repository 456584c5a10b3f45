// Package policy holds the static role-policy matrix and the pure evaluator
// that decides whether a role may publish a notification at a given level to
// a given scope.
//
// # Roles, levels and scopes
//
// The role set is closed:
//
//	PRINCIPAL       levels 1-4, every scope
//	ACADEMIC_ADMIN  levels 1-4 (level 1 needs PRINCIPAL approval), every scope
//	GRADE_DIRECTOR  levels 1-4 (level 1 needs PRINCIPAL approval), GRADE and CLASS
//	TEACHER         levels 3-4, GRADE and CLASS
//	STUDENT         level 4, CLASS
//
// Levels run from 1 (EMERGENCY) to 4 (REMINDER). Scopes are ordered widest to
// narrowest: SCHOOL, DEPARTMENT, GRADE, CLASS.
//
// # Evaluation
//
//	evaluator := policy.NewEvaluator(policy.DefaultMatrix())
//	verdict := evaluator.Evaluate(policy.RoleTeacher, policy.LevelRegular, policy.ScopeClass)
//	if verdict.ApprovalRequired {
//		// route to verdict.ApproverRole
//	}
//
// Students are additionally held to level 4 / CLASS by a secondary check that
// does not consult the matrix, so a misconfigured matrix cannot widen their
// access.
//
// # Snapshots
//
// Matrix.BuildSnapshot derives the cacheable per-subject Snapshot from a role.
// Evaluator.EvaluateSnapshot decides from a snapshot alone and always agrees
// with Evaluate for the snapshot's role.
//
// A matrix may be loaded from YAML once at startup with LoadMatrix:
//
//	roles:
//	  - code: TEACHER
//	    name: Teacher
//	    rank: 40
//	    levels: [3, 4]
//	    scopes: [GRADE, CLASS]
package policy
