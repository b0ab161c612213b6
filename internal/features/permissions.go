package features

// Permissions is the ordered permission vocabulary the classifier was trained
// on. Position i of a FeatureSet's permission vector refers to Permissions[i].
// Reordering or extending this list requires a matching model.
var Permissions = [NumPermissions]string{
	"ACCESS_COARSE_LOCATION",
	"ACCESS_FINE_LOCATION",
	"ACCESS_LOCATION_EXTRA_COMMANDS",
	"ACCESS_NETWORK_STATE",
	"ACCESS_WIFI_STATE",
	"BLUETOOTH",
	"BROADCAST_STICKY",
	"CALL_PHONE",
	"CAMERA",
	"CHANGE_CONFIGURATION",
	"CHANGE_NETWORK_STATE",
	"CHANGE_WIFI_STATE",
	"DISABLE_KEYGUARD",
	"GET_ACCOUNTS",
	"GET_TASKS",
	"INSTALL_PACKAGES",
	"INTERACT_ACROSS_USERS_FULL",
	"INTERNET",
	"KILL_BACKGROUND_PROCESSES",
	"MODIFY_AUDIO_SETTINGS",
	"MODIFY_PHONE_STATE",
	"MOUNT_UNMOUNT_FILESYSTEMS",
	"PROCESS_OUTGOING_CALLS",
	"READ_CONTACTS",
	"READ_EXTERNAL_STORAGE",
	"READ_LOGS",
	"READ_PHONE_STATE",
	"READ_SETTINGS",
	"READ_SMS",
	"READ_USER_DICTIONARY",
	"RECEIVE_BOOT_COMPLETED",
	"RECEIVE_MMS",
	"RECEIVE_SMS",
	"RECEIVE_WAP_PUSH",
	"RECORD_AUDIO",
	"RESTART_PACKAGES",
	"SEND_SMS",
	"SET_WALLPAPER",
	"SYSTEM_ALERT_WINDOW",
	"UPDATE_APP_OPS_STATS",
	"USE_CREDENTIALS",
	"VIBRATE",
	"WAKE_LOCK",
	"WRITE_APN_SETTINGS",
	"WRITE_CONTACTS",
	"WRITE_EXTERNAL_STORAGE",
	"WRITE_INTERNAL_STORAGE",
	"WRITE_SECURE_SETTINGS",
	"WRITE_SETTINGS",
	"WRITE_SMS",
}

// NumPermissions is the width of the permission vector.
const NumPermissions = 50

const androidPermissionPrefix = "android.permission."

var permissionIndex = func() map[string]int {
	m := make(map[string]int, NumPermissions)
	for i, p := range Permissions {
		m[p] = i
	}
	return m
}()
