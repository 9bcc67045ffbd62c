package shared

// HR record-screen permissions declared for RBAC. The screens themselves live
// outside this service and only ask it for decisions.
const (
	// Department permissions
	PermDepartmentView   = "departments.view"
	PermDepartmentEdit   = "departments.edit"
	PermDepartmentDelete = "departments.delete"

	// Leave permissions
	PermLeaveView    = "leave.view"
	PermLeaveRequest = "leave.request"
	PermLeaveApprove = "leave.approve"

	// Payroll permissions
	PermPayrollView    = "payroll.view"
	PermPayrollProcess = "payroll.process"
	PermPayrollExport  = "payroll.export"

	// Asset permissions
	PermAssetView   = "assets.view"
	PermAssetAssign = "assets.assign"
	PermAssetEdit   = "assets.edit"
)

// ModuleScopes groups permission keys under their catalog module.
type ModuleScopes struct {
	Module string
	Keys   []string
}

// HRModules lists the record-screen permissions by module.
func HRModules() []ModuleScopes {
	return []ModuleScopes{
		{Module: "departments", Keys: []string{PermDepartmentView, PermDepartmentEdit, PermDepartmentDelete}},
		{Module: "leave", Keys: []string{PermLeaveView, PermLeaveRequest, PermLeaveApprove}},
		{Module: "payroll", Keys: []string{PermPayrollView, PermPayrollProcess, PermPayrollExport}},
		{Module: "assets", Keys: []string{PermAssetView, PermAssetAssign, PermAssetEdit}},
	}
}
