package fingerprint

// StealthScript runs before any page script in every document.  It hides the
// automation markers headless Chromium exposes by default.
const StealthScript = `
Object.defineProperty(navigator, 'webdriver', {get: () => undefined});

if (!window.chrome) {
	window.chrome = {runtime: {}, loadTimes: function() {}, csi: function() {}};
}

Object.defineProperty(navigator, 'plugins', {
	get: () => {
		const plugins = [{name: 'Chrome PDF Plugin', filename: 'internal-pdf-viewer', description: 'Portable Document Format'}];
		plugins.item = (i) => plugins[i];
		plugins.namedItem = (n) => plugins.find((p) => p.name === n);
		return plugins;
	}
});

Object.defineProperty(navigator, 'languages', {get: () => ['en-US', 'en']});

const originalQuery = window.navigator.permissions && window.navigator.permissions.query;
if (originalQuery) {
	window.navigator.permissions.query = (parameters) =>
		parameters.name === 'notifications'
			? Promise.resolve({state: Notification.permission})
			: originalQuery(parameters);
}
`
